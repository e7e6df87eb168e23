// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package train

import (
	"bytes"
	"image"
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"math"

	"github.com/anthonynsimon/bild/effect"
	"github.com/pkg/errors"

	"github.com/pathscope/pathscope/internal/tfrecord"
)

// histBins is the luminance histogram resolution of the feature vector.
const histBins = 8

// FeatureDim is the length of the tile feature vector: per-channel mean
// and standard deviation, a luminance histogram and an edge density term.
const FeatureDim = 6 + histBins + 1

// Featurize reduces a tile image to a fixed-length descriptor. Values are
// scaled to roughly unit range so the optimizers behave across stains.
func Featurize(img image.Image) []float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	feat := make([]float64, FeatureDim)
	if n == 0 {
		return feat
	}

	var sum, sumSq [3]float64
	hist := make([]float64, histBins)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			ch := [3]float64{float64(r>>8) / 255, float64(g>>8) / 255, float64(bl>>8) / 255}
			for i, v := range ch {
				sum[i] += v
				sumSq[i] += v * v
			}
			lum := 0.299*ch[0] + 0.587*ch[1] + 0.114*ch[2]
			bin := int(lum * histBins)
			if bin >= histBins {
				bin = histBins - 1
			}
			hist[bin]++
		}
	}

	for i := 0; i < 3; i++ {
		mean := sum[i] / n
		variance := sumSq[i]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		feat[i] = mean
		feat[3+i] = math.Sqrt(variance)
	}
	for i, h := range hist {
		feat[6+i] = h / n
	}
	feat[6+histBins] = edgeDensity(img)
	return feat
}

// edgeDensity measures the mean edge response of the tile, separating
// textured tissue from smooth background.
func edgeDensity(img image.Image) float64 {
	edges := effect.EdgeDetection(img, 1.0)
	b := edges.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0
	}
	var total float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := edges.At(x, y).RGBA()
			total += (float64(r>>8) + float64(g>>8) + float64(bl>>8)) / (3 * 255)
		}
	}
	return total / n
}

// Sample is one featurized training tile.
type Sample struct {
	Slide    string
	Features []float64
	Label    int     // class index for categorical models
	Value    float64 // outcome for linear models
	Weight   float64 // sampling weight for category balancing, 0 when unset
}

// LabelFor resolves a sample's supervision target for either model type.
type LabelFor func(slideName string) (classIndex int, value float64, ok bool)

// LoadSamples reads tile archives, decodes each tile and featurizes it.
// Tiles from slides without a label are skipped; maxPerSlide caps the tile
// count per slide (0 for no cap).
func LoadSamples(archives []string, labelFor LabelFor, maxPerSlide int) ([]Sample, error) {
	var samples []Sample
	perSlide := map[string]int{}
	for _, path := range archives {
		r, err := tfrecord.NewReader(path)
		if err != nil {
			return nil, err
		}
		err = func() error {
			defer r.Close()
			for {
				tile, err := r.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return errors.Wrapf(err, "failed reading %s", path)
				}
				idx, value, ok := labelFor(tile.Slide)
				if !ok {
					continue
				}
				if maxPerSlide > 0 && perSlide[tile.Slide] >= maxPerSlide {
					continue
				}
				img, _, err := image.Decode(bytes.NewReader(tile.Image))
				if err != nil {
					return errors.Wrapf(err, "failed to decode tile at (%d,%d) in %s", tile.X, tile.Y, path)
				}
				perSlide[tile.Slide]++
				samples = append(samples, Sample{
					Slide:    tile.Slide,
					Features: Featurize(img),
					Label:    idx,
					Value:    value,
				})
			}
		}()
		if err != nil {
			return nil, err
		}
	}
	return samples, nil
}
