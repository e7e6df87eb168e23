// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package slide

import (
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"  // Register BMP format decoder
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
)

// imageBackend reads slides through Go's image decoders. Proprietary
// scanner containers that are TIFF-compatible (e.g. SVS baseline layers)
// decode through the TIFF path; anything the decoders reject surfaces as
// ErrUnsupportedFormat. Multi-page TIFFs decode their first image directory
// only; lower-resolution levels are synthesized by pyramidReader rather
// than read from the file.
type imageBackend struct {
	name string
	exts map[string]bool
}

func (b *imageBackend) Name() string { return b.name }

func (b *imageBackend) CanRead(path string) bool {
	return b.exts[strings.ToLower(filepath.Ext(path))]
}

func (b *imageBackend) Open(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open slide %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: could not decode %s: %v", ErrUnsupportedFormat, path, err)
	}

	return newPyramidReader(PathToName(path), img, DefaultJPGMPP), nil
}

// minLevelDim stops pyramid construction once the longer edge of a level
// drops below this size.
const minLevelDim = 1024

// pyramidReader serves pyramidal reads from a decoded base image, building
// downsampled levels lazily. Level downsample factors double per level, as
// in scanner pyramids.
type pyramidReader struct {
	name string
	mpp  float64

	mu     sync.Mutex
	levels []image.Image // levels[0] is always set; higher levels built on demand
	dims   [][2]int
	closed bool
}

func newPyramidReader(name string, base image.Image, mpp float64) *pyramidReader {
	w := base.Bounds().Dx()
	h := base.Bounds().Dy()

	dims := [][2]int{{w, h}}
	for {
		last := dims[len(dims)-1]
		nw, nh := last[0]/2, last[1]/2
		if nw < minLevelDim && nh < minLevelDim {
			break
		}
		if nw < 1 || nh < 1 {
			break
		}
		dims = append(dims, [2]int{nw, nh})
	}

	levels := make([]image.Image, len(dims))
	levels[0] = base
	return &pyramidReader{name: name, mpp: mpp, levels: levels, dims: dims}
}

func (r *pyramidReader) Name() string { return r.name }

func (r *pyramidReader) Dimensions() (int, int) {
	return r.dims[0][0], r.dims[0][1]
}

func (r *pyramidReader) LevelCount() int { return len(r.dims) }

func (r *pyramidReader) LevelDimensions(level int) (int, int, error) {
	if level < 0 || level >= len(r.dims) {
		return 0, 0, fmt.Errorf("level %d out of range (have %d levels)", level, len(r.dims))
	}
	return r.dims[level][0], r.dims[level][1], nil
}

func (r *pyramidReader) LevelDownsample(level int) (float64, error) {
	if level < 0 || level >= len(r.dims) {
		return 0, fmt.Errorf("level %d out of range (have %d levels)", level, len(r.dims))
	}
	return float64(int(1) << uint(level)), nil
}

func (r *pyramidReader) MPP() float64 { return r.mpp }

// levelImage returns the image for a level, building it from the previous
// level when needed.
func (r *pyramidReader) levelImage(level int) (image.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("slide %s is closed", r.name)
	}
	if level < 0 || level >= len(r.levels) {
		return nil, fmt.Errorf("level %d out of range (have %d levels)", level, len(r.levels))
	}
	for l := 1; l <= level; l++ {
		if r.levels[l] == nil {
			r.levels[l] = imaging.Resize(r.levels[l-1], r.dims[l][0], r.dims[l][1], imaging.Box)
		}
	}
	return r.levels[level], nil
}

func (r *pyramidReader) ReadRegion(level, x, y, w, h int) (image.Image, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid region size %dx%d", w, h)
	}
	img, err := r.levelImage(level)
	if err != nil {
		return nil, err
	}
	lw, lh := r.dims[level][0], r.dims[level][1]
	if x < 0 || y < 0 || x+w > lw || y+h > lh {
		return nil, fmt.Errorf("region (%d,%d %dx%d) outside level %d bounds %dx%d", x, y, w, h, level, lw, lh)
	}
	b := img.Bounds()
	rect := image.Rect(b.Min.X+x, b.Min.Y+y, b.Min.X+x+w, b.Min.Y+y+h)
	return imaging.Crop(img, rect), nil
}

func (r *pyramidReader) Thumbnail(maxDim int) (image.Image, error) {
	if maxDim <= 0 {
		return nil, fmt.Errorf("invalid thumbnail size %d", maxDim)
	}
	// Start from the smallest prebuilt level to keep the resize cheap.
	img, err := r.levelImage(len(r.dims) - 1)
	if err != nil {
		return nil, err
	}
	return imaging.Fit(img, maxDim, maxDim, imaging.Lanczos), nil
}

func (r *pyramidReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.levels = nil
	return nil
}
