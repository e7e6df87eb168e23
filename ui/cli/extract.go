// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/i18n"
	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/model"
	"github.com/pathscope/pathscope/internal/project"
	"github.com/pathscope/pathscope/internal/slide"
	"github.com/pathscope/pathscope/internal/tfrecord"
	"github.com/pathscope/pathscope/internal/tile"
	"github.com/pathscope/pathscope/ui/tui"
)

var (
	extractTilePX      int
	extractTileUM      int
	extractStrideDiv   float64
	extractROIMethod   string
	extractFormat      string
	extractQuality     int
	extractNormalizer  string
	extractWorkers     int
	extractShuffle     bool
	extractCompression string
	extractSkipDone    bool
	extractWSFraction  float64
	extractWSThreshold float64
	extractGSFraction  float64
	extractGSThreshold float64
	extractSkipNoROI   bool
	extractNoProgress  bool
)

// newTracker honors the --no-progress flag.
func newTracker() *tui.Tracker {
	if extractNoProgress {
		return tui.NewPlainTracker()
	}
	return tui.NewTracker()
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract tiles from the project's slides into archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		d, err := p.Dataset(extractTilePX, extractTileUM)
		if err != nil {
			return err
		}

		params := tile.DefaultParams(extractTilePX, extractTileUM)
		params.StrideDiv = extractStrideDiv
		params.ROIMethod = extractROIMethod
		params.ImgFormat = extractFormat
		params.JPEGQuality = extractQuality
		params.Normalizer = extractNormalizer
		params.Workers = extractWorkers
		params.Shuffle = extractShuffle
		params.Seed = time.Now().UnixNano()
		params.Compression = extractCompression
		params.WhitespaceFraction = extractWSFraction
		params.WhitespaceThreshold = extractWSThreshold
		params.GrayspaceFraction = extractGSFraction
		params.GrayspaceThreshold = extractGSThreshold
		params.SkipMissingROI = extractSkipNoROI

		store := db.Active()
		fmt.Println(i18n.T("extract.cli_starting"))

		total := 0
		for label, src := range d.Sources {
			paths := d.SlidePaths(label)
			if len(paths) == 0 {
				continue
			}
			outDir := src.TFRecordPath()
			if removed, err := tile.RemoveUnfinished(outDir); err == nil && len(removed) > 0 {
				logging.Warnf("removed %d interrupted archive(s) in %s", len(removed), outDir)
			}

			tracker := newTracker()
			for _, path := range paths {
				name := slide.PathToName(path)
				if extractSkipDone {
					if done, err := store.HasExtraction(name, params.Hash()); err == nil && done && tile.HasArchive(outDir, name) {
						logging.Debugf("skipping %s, already extracted", name)
						continue
					}
				}

				roiPath := ""
				if params.ROIMethod != tile.ROIIgnore {
					candidate := filepath.Join(src.ROIDir, name+".csv")
					if _, err := os.Stat(candidate); err == nil {
						roiPath = candidate
					}
				}

				report, err := tile.ExtractSlide(cmd.Context(), path, outDir, roiPath, params, func(done, totalTiles int) {
					tracker.Update(name, done, totalTiles)
				})
				if err != nil {
					tracker.Done()
					return fmt.Errorf("extraction failed for %s: %w", name, err)
				}
				if report.Skipped {
					continue
				}

				if _, err := store.RecordExtraction(model.Extraction{
					SlideName:  name,
					TilePX:     params.TilePX,
					TileUM:     params.TileUM,
					StrideDiv:  int(params.StrideDiv),
					TilesKept:  report.Kept,
					TilesGray:  report.Grayspace,
					TilesWhite: report.Whitespace,
					TilesROI:   report.ROIFiltered,
					ParamsHash: params.Hash(),
					TFRecord:   report.Archive,
				}); err != nil {
					tracker.Done()
					return fmt.Errorf("failed to record extraction for %s: %w", name, err)
				}
				total++
				logging.Infof("%s: kept %d of %d tiles (white %d, gray %d, roi %d)",
					name, report.Kept, report.Grid, report.Whitespace, report.Grayspace, report.ROIFiltered)
			}
			tracker.Done()

			if _, err := tfrecord.UpdateManifest(outDir); err != nil {
				logging.Warnf("failed to update manifest for %s: %v", outDir, err)
			}
		}

		if total == 0 {
			fmt.Println(i18n.T("extract.cli_no_slides"))
			return nil
		}
		fmt.Println(i18n.T("extract.cli_done"))
		return nil
	},
}

func init() {
	f := extractCmd.Flags()
	f.IntVar(&extractTilePX, "tile-px", 299, "Tile size in pixels")
	f.IntVar(&extractTileUM, "tile-um", 302, "Tile size in microns")
	f.Float64Var(&extractStrideDiv, "stride-div", 1, "Stride divisor (2 halves the stride)")
	f.StringVar(&extractROIMethod, "roi", tile.ROIInside, "ROI method: inside, outside or ignore")
	f.StringVar(&extractFormat, "format", "jpg", "Tile image format: jpg or png")
	f.IntVar(&extractQuality, "quality", 90, "JPEG quality")
	f.StringVar(&extractNormalizer, "normalizer", "", "Stain normalizer: none, reinhard or reinhard-fast")
	f.IntVar(&extractWorkers, "workers", tile.DefaultWorkers, "Concurrent region readers per slide")
	f.BoolVar(&extractShuffle, "shuffle", true, "Shuffle tile order within each archive")
	f.StringVar(&extractCompression, "compression", "", "Archive compression: gz or zst")
	f.BoolVar(&extractSkipDone, "skip-extracted", true, "Skip slides already extracted with identical parameters")
	f.Float64Var(&extractWSFraction, "whitespace-fraction", tile.DefaultWhitespaceFraction, "Whitespace fraction threshold")
	f.Float64Var(&extractWSThreshold, "whitespace-threshold", tile.DefaultWhitespaceThreshold, "Whitespace pixel brightness threshold")
	f.Float64Var(&extractGSFraction, "grayspace-fraction", tile.DefaultGrayspaceFraction, "Grayspace fraction threshold")
	f.Float64Var(&extractGSThreshold, "grayspace-threshold", tile.DefaultGrayspaceThreshold, "Grayspace saturation threshold")
	f.BoolVar(&extractSkipNoROI, "skip-missing-roi", false, "With --roi inside, skip slides that have no ROI file")
	f.BoolVar(&extractNoProgress, "no-progress", false, "Disable the interactive progress display")
}
