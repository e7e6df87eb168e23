// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package tile turns whole slides into tile archives: grid computation from
// the slide's microns-per-pixel, ROI selection, background filtering, stain
// normalization and concurrent region reads feeding a single archive writer.
package tile

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/norm"
	"github.com/pathscope/pathscope/internal/slide"
	"github.com/pathscope/pathscope/internal/tfrecord"
)

// DefaultWorkers bounds concurrent region reads per slide.
const DefaultWorkers = 4

// Params configures one extraction run.
type Params struct {
	TilePX    int     // edge length of the stored tile, in pixels
	TileUM    int     // edge length of the tile on the specimen, in microns
	StrideDiv float64 // stride divisor; 1 is non-overlapping, 2 halves the stride

	WhitespaceFraction  float64
	WhitespaceThreshold float64
	GrayspaceFraction   float64
	GrayspaceThreshold  float64

	ROIMethod      string // ROIInside, ROIOutside or ROIIgnore
	SkipMissingROI bool   // with ROIInside, skip slides that have no ROIs
	ImgFormat      string // "png" or "jpg"
	JPEGQuality    int

	Normalizer  string // stain normalization method, "" or "none" to disable
	Workers     int
	Shuffle     bool
	Seed        int64
	Compression string // "", "gz" or "zst"
}

// DefaultParams returns an extraction configuration with the standard
// background filters.
func DefaultParams(tilePX, tileUM int) Params {
	return Params{
		TilePX:              tilePX,
		TileUM:              tileUM,
		StrideDiv:           1,
		WhitespaceFraction:  DefaultWhitespaceFraction,
		WhitespaceThreshold: DefaultWhitespaceThreshold,
		GrayspaceFraction:   DefaultGrayspaceFraction,
		GrayspaceThreshold:  DefaultGrayspaceThreshold,
		ROIMethod:           ROIInside,
		ImgFormat:           "jpg",
		JPEGQuality:         90,
		Workers:             DefaultWorkers,
	}
}

// Hash returns a stable digest of the parameters that affect the produced
// tiles. Extractions with the same hash are interchangeable.
func (p Params) Hash() string {
	s := fmt.Sprintf("px=%d|um=%d|stride=%g|wsf=%g|wst=%g|gsf=%g|gst=%g|roi=%s|fmt=%s|q=%d|norm=%s",
		p.TilePX, p.TileUM, p.StrideDiv, p.WhitespaceFraction, p.WhitespaceThreshold,
		p.GrayspaceFraction, p.GrayspaceThreshold, p.ROIMethod, p.ImgFormat, p.JPEGQuality, p.Normalizer)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

func (p Params) validate() error {
	if p.TilePX <= 0 || p.TileUM <= 0 {
		return fmt.Errorf("tile_px and tile_um must be positive")
	}
	if p.StrideDiv <= 0 {
		return fmt.Errorf("stride divisor must be positive")
	}
	switch p.ROIMethod {
	case ROIInside, ROIOutside, ROIIgnore:
	default:
		return fmt.Errorf("unknown roi method %q", p.ROIMethod)
	}
	switch p.ImgFormat {
	case "png", "jpg", "jpeg":
	default:
		return fmt.Errorf("unknown tile image format %q", p.ImgFormat)
	}
	return nil
}

// Report summarizes one slide's extraction.
type Report struct {
	Slide       string
	Grid        int // candidate tile locations
	Kept        int
	Whitespace  int
	Grayspace   int
	ROIFiltered int
	Archive     string
	Skipped     bool // slide not processed (no ROIs with SkipMissingROI)
}

// coord is one grid location in base-level pixels.
type coord struct {
	x, y int
}

// grid computes the candidate tile origins for a slide. The extraction
// window in base pixels derives from the slide's microns per pixel; tiles
// that would cross the slide boundary are dropped.
func grid(width, height int, extractPX int, stride int) []coord {
	var coords []coord
	for y := 0; y+extractPX <= height; y += stride {
		for x := 0; x+extractPX <= width; x += stride {
			coords = append(coords, coord{x: x, y: y})
		}
	}
	return coords
}

// ExtractSlide tiles one slide into an archive under outDir. The archive is
// written under a .unfinished name and renamed on success, so interrupted
// runs never leave a truncated archive behind. roiPath may be empty.
func ExtractSlide(ctx context.Context, path string, outDir string, roiPath string, p Params, progress func(done, total int)) (*Report, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	reader, err := slide.Open(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	name := reader.Name()
	mpp := reader.MPP()
	if mpp <= 0 {
		mpp = slide.DefaultJPGMPP
		logging.Warnf("slide %s has no mpp metadata, assuming %.1f", name, mpp)
	}

	extractPX := int(float64(p.TileUM)/mpp + 0.5)
	if extractPX < 1 {
		return nil, fmt.Errorf("slide %s: tile size %dum is below one pixel at %.3f mpp", name, p.TileUM, mpp)
	}
	stride := int(float64(extractPX)/p.StrideDiv + 0.5)
	if stride < 1 {
		stride = 1
	}

	var rois []*ROI
	if roiPath != "" && p.ROIMethod != ROIIgnore {
		rois, err = LoadROIs(roiPath)
		if err != nil {
			return nil, err
		}
	}
	if p.ROIMethod == ROIInside && len(rois) == 0 {
		if p.SkipMissingROI {
			logging.Infof("slide %s: no ROIs found, skipping", name)
			return &Report{Slide: name, Skipped: true}, nil
		}
		logging.Warnf("slide %s: no ROIs found, extracting whole slide", name)
	}

	var normalizer norm.Normalizer
	if p.Normalizer != "" && p.Normalizer != "none" {
		normalizer, err = norm.New(p.Normalizer)
		if err != nil {
			return nil, err
		}
	}

	width, height := reader.Dimensions()
	coords := grid(width, height, extractPX, stride)
	report := &Report{Slide: name, Grid: len(coords)}

	// ROI selection happens on tile centers before any pixels are read.
	var selected []coord
	for _, c := range coords {
		center := Point{X: float64(c.x) + float64(extractPX)/2, Y: float64(c.y) + float64(extractPX)/2}
		if !roiAllows(p.ROIMethod, rois, center) {
			report.ROIFiltered++
			continue
		}
		selected = append(selected, c)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create tfrecord dir")
	}
	finalName := name + tfrecord.Extension
	switch p.Compression {
	case "gz":
		finalName += ".gz"
	case "zst":
		finalName += ".zst"
	case "":
	default:
		return nil, fmt.Errorf("unknown compression %q", p.Compression)
	}
	finalPath := filepath.Join(outDir, finalName)
	tmpPath := finalPath + tfrecord.UnfinishedSuffix

	var opts []tfrecord.WriterOption
	if p.Shuffle {
		opts = append(opts, tfrecord.WithShuffle(p.Seed))
	}
	w, err := tfrecord.NewWriter(tmpPath, opts...)
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		_ = w.Close()
		_ = os.Remove(tmpPath)
	}

	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	qc := qcFilter{
		whitespaceFraction:  p.WhitespaceFraction,
		whitespaceThreshold: p.WhitespaceThreshold,
		grayspaceFraction:   p.GrayspaceFraction,
		grayspaceThreshold:  p.GrayspaceThreshold,
	}

	var (
		mu      sync.Mutex // guards w and the report counters
		done    atomic.Int64
		total   = len(selected)
		sem     = semaphore.NewWeighted(int64(workers))
		g, gctx = errgroup.WithContext(ctx)
	)

	for _, c := range selected {
		c := c
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			defer func() {
				if progress != nil {
					progress(int(done.Add(1)), total)
				}
			}()

			region, err := reader.ReadRegion(0, c.x, c.y, extractPX, extractPX)
			if err != nil {
				return errors.Wrapf(err, "failed to read region (%d,%d) of %s", c.x, c.y, name)
			}
			tileImg := region
			if extractPX != p.TilePX {
				tileImg = resizeTile(region, p.TilePX)
			}

			result := qc.check(tileImg)
			if result != QCPass {
				mu.Lock()
				if result == QCWhitespace {
					report.Whitespace++
				} else {
					report.Grayspace++
				}
				mu.Unlock()
				return nil
			}

			if normalizer != nil {
				tileImg = normalizer.Transform(tileImg)
			}
			img, err := encodeTile(tileImg, p.ImgFormat, p.JPEGQuality)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if err := w.Write(&tfrecord.Tile{Slide: name, X: c.x, Y: c.y, Format: normalizeFormat(p.ImgFormat), Image: img}); err != nil {
				return errors.Wrap(err, "failed to write tile record")
			}
			report.Kept++
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cleanup()
		return nil, err
	}
	if err := w.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, errors.Wrap(err, "failed to finalize archive")
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, errors.Wrap(err, "failed to finalize archive")
	}
	report.Archive = finalPath
	return report, nil
}

// HasArchive reports whether a finished archive for the slide already
// exists in outDir.
func HasArchive(outDir, slideName string) bool {
	for _, suffix := range []string{"", ".gz", ".zst"} {
		if _, err := os.Stat(filepath.Join(outDir, slideName+tfrecord.Extension+suffix)); err == nil {
			return true
		}
	}
	return false
}

// RemoveUnfinished deletes leftover .unfinished archives in dir, returning
// the removed file names.
func RemoveUnfinished(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != tfrecord.UnfinishedSuffix {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	sort.Strings(removed)
	return removed, nil
}

// resizeTile scales the extraction window down (or up) to the stored tile
// edge length.
func resizeTile(img image.Image, tilePX int) image.Image {
	return imaging.Resize(img, tilePX, tilePX, imaging.Lanczos)
}

func normalizeFormat(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

func encodeTile(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch normalizeFormat(format) {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, errors.Wrap(err, "failed to encode tile")
		}
	case "jpg":
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, errors.Wrap(err, "failed to encode tile")
		}
	}
	return buf.Bytes(), nil
}
