// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package heatmap renders model predictions over a slide thumbnail. Each
// extracted tile contributes one colored cell, blended over the tissue at
// the tile's slide location.
package heatmap

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"

	"github.com/pathscope/pathscope/internal/slide"
)

// TileScore is one tile's prediction at its base-level location.
type TileScore struct {
	X     int
	Y     int
	Score float64 // probability of the rendered class, in [0,1]
}

// Options configures rendering.
type Options struct {
	MaxDim    int     // longer edge of the rendered image
	TileUM    int     // tile edge length in microns, for cell sizing
	Opacity   float64 // overlay opacity in [0,1]
	ColdColor string  // hex color for score 0
	HotColor  string  // hex color for score 1
}

// DefaultOptions renders 2048px overlays with a blue-to-red gradient.
func DefaultOptions(tileUM int) Options {
	return Options{
		MaxDim:    2048,
		TileUM:    tileUM,
		Opacity:   0.6,
		ColdColor: "#2166ac",
		HotColor:  "#b2182b",
	}
}

// Render draws the score overlay for a slide and returns the composite.
func Render(slidePath string, scores []TileScore, opts Options) (image.Image, error) {
	if opts.Opacity < 0 || opts.Opacity > 1 {
		return nil, fmt.Errorf("opacity %f out of range [0,1]", opts.Opacity)
	}
	cold, err := colorful.Hex(opts.ColdColor)
	if err != nil {
		return nil, fmt.Errorf("bad cold color %q: %w", opts.ColdColor, err)
	}
	hot, err := colorful.Hex(opts.HotColor)
	if err != nil {
		return nil, fmt.Errorf("bad hot color %q: %w", opts.HotColor, err)
	}

	reader, err := slide.Open(slidePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	thumb, err := reader.Thumbnail(opts.MaxDim)
	if err != nil {
		return nil, err
	}
	width, height := reader.Dimensions()
	scale := float64(thumb.Bounds().Dx()) / float64(width)
	if float64(thumb.Bounds().Dy())/float64(height) < scale {
		scale = float64(thumb.Bounds().Dy()) / float64(height)
	}

	mpp := reader.MPP()
	if mpp <= 0 {
		mpp = slide.DefaultJPGMPP
	}
	cell := int(float64(opts.TileUM)/mpp*scale + 0.5)
	if cell < 1 {
		cell = 1
	}

	out := imaging.Clone(thumb)
	overlay := image.NewNRGBA(out.Bounds())
	alpha := uint8(opts.Opacity*255 + 0.5)
	for _, s := range scores {
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		c := cold.BlendLab(hot, score).Clamped()
		r8, g8, b8 := c.RGB255()
		x0 := int(float64(s.X) * scale)
		y0 := int(float64(s.Y) * scale)
		rect := image.Rect(x0, y0, x0+cell, y0+cell).Intersect(overlay.Bounds())
		draw.Draw(overlay, rect, &image.Uniform{C: color.NRGBA{R: r8, G: g8, B: b8, A: alpha}}, image.Point{}, draw.Src)
	}
	draw.Draw(out, out.Bounds(), overlay, image.Point{}, draw.Over)
	return out, nil
}

// Save renders the overlay and writes it as PNG.
func Save(slidePath string, scores []TileScore, opts Options, outPath string) error {
	img, err := Render(slidePath, scores, opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create heatmap dir")
	}
	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create heatmap %s", outPath)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to encode heatmap")
	}
	return f.Close()
}
