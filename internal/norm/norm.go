// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package norm implements stain normalization for extracted tiles. H&E
// staining varies between labs and scanners; transferring tiles into a
// common color distribution improves model consistency across sites.
package norm

import (
	"fmt"
	"image"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Normalizer adjusts tile colors toward a reference stain distribution.
type Normalizer interface {
	// Name returns the method name.
	Name() string
	// Fit derives the reference distribution from a source image.
	Fit(src image.Image) error
	// Transform returns a normalized copy of the tile.
	Transform(tile image.Image) image.Image
}

// labStats holds per-channel mean and standard deviation in Lab space.
type labStats struct {
	mean [3]float64
	std  [3]float64
}

// defaultStats approximates the internal reference tile used when no fit
// source is provided.
var defaultStats = labStats{
	mean: [3]float64{0.62, 0.13, -0.06},
	std:  [3]float64{0.16, 0.06, 0.04},
}

// New returns the normalizer for the given method. Recognized methods are
// "none", "reinhard" and "reinhard-fast".
func New(method string) (Normalizer, error) {
	switch method {
	case "", "none":
		return passthrough{}, nil
	case "reinhard":
		return &Reinhard{name: "reinhard", clamp: true, target: defaultStats}, nil
	case "reinhard-fast":
		return &Reinhard{name: "reinhard-fast", clamp: false, target: defaultStats}, nil
	default:
		return nil, fmt.Errorf("unknown normalizer method %q", method)
	}
}

// passthrough leaves tiles untouched.
type passthrough struct{}

func (passthrough) Name() string                        { return "none" }
func (passthrough) Fit(image.Image) error               { return nil }
func (passthrough) Transform(t image.Image) image.Image { return t }

// Reinhard transfers Lab-space channel statistics from the tile onto a
// reference distribution. The fast variant skips the per-pixel chroma
// clamp.
type Reinhard struct {
	name   string
	clamp  bool
	target labStats
}

func (r *Reinhard) Name() string { return r.name }

// Fit computes the reference statistics from a source image.
func (r *Reinhard) Fit(src image.Image) error {
	stats, err := computeLabStats(src)
	if err != nil {
		return fmt.Errorf("normalizer fit failed: %w", err)
	}
	r.target = stats
	return nil
}

// Transform maps the tile's Lab distribution onto the reference.
func (r *Reinhard) Transform(tile image.Image) image.Image {
	stats, err := computeLabStats(tile)
	if err != nil {
		return tile
	}

	b := tile.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c, ok := colorful.MakeColor(tile.At(x, y))
			if !ok {
				continue
			}
			l, a, bb := c.Lab()
			ch := [3]float64{l, a, bb}
			for i := 0; i < 3; i++ {
				if stats.std[i] > 0 {
					ch[i] = (ch[i]-stats.mean[i])/stats.std[i]*r.target.std[i] + r.target.mean[i]
				}
			}
			nc := colorful.Lab(ch[0], ch[1], ch[2])
			if r.clamp {
				nc = nc.Clamped()
			}
			cr, cg, cb := nc.RGB255()
			i := out.PixOffset(x-b.Min.X, y-b.Min.Y)
			out.Pix[i+0] = cr
			out.Pix[i+1] = cg
			out.Pix[i+2] = cb
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// computeLabStats returns per-channel Lab mean and standard deviation.
func computeLabStats(img image.Image) (labStats, error) {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return labStats{}, fmt.Errorf("empty image")
	}

	var sum, sumSq [3]float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c, ok := colorful.MakeColor(img.At(x, y))
			if !ok {
				continue
			}
			l, a, bb := c.Lab()
			for i, v := range [3]float64{l, a, bb} {
				sum[i] += v
				sumSq[i] += v * v
			}
		}
	}

	var stats labStats
	for i := 0; i < 3; i++ {
		mean := sum[i] / n
		variance := sumSq[i]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		stats.mean[i] = mean
		stats.std[i] = math.Sqrt(variance)
	}
	return stats, nil
}
