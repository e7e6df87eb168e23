// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package slide reads whole-slide images through a backend selected with the
// SF_SLIDE_BACKEND environment variable. The default backend ("cucim")
// handles the baseline image formats; the alternate backend ("libvips")
// additionally accepts the proprietary scanner container extensions.
package slide

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
)

// EnvSlideBackend selects the slide reading backend before process start.
const EnvSlideBackend = "SF_SLIDE_BACKEND"

const (
	// BackendCucim is the default slide backend.
	BackendCucim = "cucim"
	// BackendLibvips is the alternate backend with proprietary scanner
	// format support.
	BackendLibvips = "libvips"
)

// DefaultJPGMPP is assumed for plain image files that carry no physical
// resolution metadata.
const DefaultJPGMPP = 1.0

// ErrUnsupportedFormat marks files the active backend cannot read.
var ErrUnsupportedFormat = errors.New("unsupported slide format")

// baselineExts are readable by every backend.
var baselineExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true,
	".bmp": true, ".gif": true,
}

// scannerExts are the proprietary scanner container extensions only the
// libvips backend accepts.
var scannerExts = map[string]bool{
	".svs": true, ".ndpi": true, ".mrxs": true, ".scn": true,
	".vms": true, ".vmu": true, ".bif": true,
}

// Reader provides pyramidal access to a whole-slide image.
type Reader interface {
	// Name is the slide name (file base without extension).
	Name() string
	// Dimensions returns the level-0 width and height.
	Dimensions() (int, int)
	// LevelCount returns the number of pyramid levels.
	LevelCount() int
	// LevelDimensions returns the width and height of the given level.
	LevelDimensions(level int) (int, int, error)
	// LevelDownsample returns the downsample factor of the given level
	// relative to level 0.
	LevelDownsample(level int) (float64, error)
	// MPP returns microns per pixel at level 0, or 0 when unknown.
	MPP() float64
	// ReadRegion reads a w*h region at (x, y) in the given level's
	// coordinate space.
	ReadRegion(level, x, y, w, h int) (image.Image, error)
	// Thumbnail returns the slide scaled so its longer edge is maxDim.
	Thumbnail(maxDim int) (image.Image, error)
	Close() error
}

// Backend opens slide files.
type Backend interface {
	Name() string
	CanRead(path string) bool
	Open(path string) (Reader, error)
}

// ActiveBackend resolves the backend selected by SF_SLIDE_BACKEND. An unset
// or empty variable selects the default backend.
func ActiveBackend() (Backend, error) {
	return backendFor(os.Getenv(EnvSlideBackend))
}

func backendFor(name string) (Backend, error) {
	switch name {
	case "", BackendCucim:
		return &imageBackend{name: BackendCucim, exts: baselineExts}, nil
	case BackendLibvips:
		merged := make(map[string]bool, len(baselineExts)+len(scannerExts))
		for k := range baselineExts {
			merged[k] = true
		}
		for k := range scannerExts {
			merged[k] = true
		}
		return &imageBackend{name: BackendLibvips, exts: merged}, nil
	default:
		return nil, fmt.Errorf("unknown slide backend %q (expected %q or %q)", name, BackendCucim, BackendLibvips)
	}
}

// Open reads a slide with the backend selected by SF_SLIDE_BACKEND.
func Open(path string) (Reader, error) {
	b, err := ActiveBackend()
	if err != nil {
		return nil, err
	}
	if !b.CanRead(path) {
		return nil, fmt.Errorf("%w: %s (backend %s)", ErrUnsupportedFormat, filepath.Ext(path), b.Name())
	}
	return b.Open(path)
}

// CanRead reports whether the active backend accepts the file extension.
func CanRead(path string) bool {
	b, err := ActiveBackend()
	if err != nil {
		return false
	}
	return b.CanRead(path)
}

// PathToName returns the slide name for a file path: the base name without
// its extension.
func PathToName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
