// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package mosaic arranges tiles on a 2-D grid by visual similarity. Tile
// feature vectors are projected to two dimensions with PCA and each grid
// cell shows a representative tile from its neighborhood.
package mosaic

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // Register JPEG format decoder
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/pathscope/pathscope/internal/train"
)

// Options configures the mosaic layout.
type Options struct {
	GridSize int // cells per edge
	CellPX   int // rendered cell edge length
	Seed     int64
}

// DefaultOptions builds a 25x25 mosaic with 64px cells.
func DefaultOptions() Options {
	return Options{GridSize: 25, CellPX: 64, Seed: 1}
}

// TileRef is one candidate tile with its feature vector and encoded image.
type TileRef struct {
	Slide    string
	Features []float64
	Image    []byte
}

// Build projects the tiles to 2-D and renders the mosaic grid.
func Build(tiles []TileRef, opts Options) (image.Image, error) {
	if opts.GridSize < 2 {
		return nil, fmt.Errorf("grid size must be at least 2")
	}
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tiles to arrange")
	}

	coords := project2D(tiles, opts.Seed)

	// Normalize the projection into [0,1) per axis.
	min := [2]float64{math.Inf(1), math.Inf(1)}
	max := [2]float64{math.Inf(-1), math.Inf(-1)}
	for _, c := range coords {
		for a := 0; a < 2; a++ {
			if c[a] < min[a] {
				min[a] = c[a]
			}
			if c[a] > max[a] {
				max[a] = c[a]
			}
		}
	}

	// One representative per cell: the tile closest to the cell center in
	// projected space wins.
	type pick struct {
		idx  int
		dist float64
	}
	cells := map[[2]int]pick{}
	for i, c := range coords {
		var gx, gy float64
		if max[0] > min[0] {
			gx = (c[0] - min[0]) / (max[0] - min[0])
		}
		if max[1] > min[1] {
			gy = (c[1] - min[1]) / (max[1] - min[1])
		}
		cx := int(gx * float64(opts.GridSize))
		cy := int(gy * float64(opts.GridSize))
		if cx >= opts.GridSize {
			cx = opts.GridSize - 1
		}
		if cy >= opts.GridSize {
			cy = opts.GridSize - 1
		}
		centerX := (float64(cx) + 0.5) / float64(opts.GridSize)
		centerY := (float64(cy) + 0.5) / float64(opts.GridSize)
		d := (gx-centerX)*(gx-centerX) + (gy-centerY)*(gy-centerY)
		if prev, ok := cells[[2]int{cx, cy}]; !ok || d < prev.dist {
			cells[[2]int{cx, cy}] = pick{idx: i, dist: d}
		}
	}

	out := imaging.New(opts.GridSize*opts.CellPX, opts.GridSize*opts.CellPX, color.White)
	for cell, p := range cells {
		img, _, err := image.Decode(bytes.NewReader(tiles[p.idx].Image))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode tile from %s", tiles[p.idx].Slide)
		}
		resized := imaging.Fill(img, opts.CellPX, opts.CellPX, imaging.Center, imaging.Lanczos)
		out = imaging.Paste(out, resized, image.Pt(cell[0]*opts.CellPX, cell[1]*opts.CellPX))
	}
	return out, nil
}

// Save builds the mosaic and writes it as PNG.
func Save(tiles []TileRef, opts Options, outPath string) error {
	img, err := Build(tiles, opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create mosaic dir")
	}
	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create mosaic %s", outPath)
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to encode mosaic")
	}
	return f.Close()
}

// project2D maps feature vectors onto their two leading principal
// components, found by power iteration with deflation.
func project2D(tiles []TileRef, seed int64) [][2]float64 {
	n := len(tiles)
	dim := train.FeatureDim
	if len(tiles[0].Features) > 0 {
		dim = len(tiles[0].Features)
	}

	// Center the data.
	mean := make([]float64, dim)
	for _, t := range tiles {
		for j := 0; j < dim && j < len(t.Features); j++ {
			mean[j] += t.Features[j]
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	data := make([][]float64, n)
	for i, t := range tiles {
		row := make([]float64, dim)
		for j := 0; j < dim && j < len(t.Features); j++ {
			row[j] = t.Features[j] - mean[j]
		}
		data[i] = row
	}

	rng := rand.New(rand.NewSource(seed))
	var components [2][]float64
	for c := 0; c < 2; c++ {
		components[c] = principalComponent(data, rng)
		// Deflate: remove the found component from the data.
		for i := range data {
			dot := 0.0
			for j := range data[i] {
				dot += data[i][j] * components[c][j]
			}
			for j := range data[i] {
				data[i][j] -= dot * components[c][j]
			}
		}
	}

	coords := make([][2]float64, n)
	for i, t := range tiles {
		for c := 0; c < 2; c++ {
			dot := 0.0
			for j := 0; j < dim && j < len(t.Features); j++ {
				dot += (t.Features[j] - mean[j]) * components[c][j]
			}
			coords[i][c] = dot
		}
	}
	return coords
}

const powerIterations = 50

// principalComponent finds the leading eigenvector of the covariance of
// centered data by power iteration.
func principalComponent(data [][]float64, rng *rand.Rand) []float64 {
	dim := len(data[0])
	v := make([]float64, dim)
	for j := range v {
		v[j] = rng.NormFloat64()
	}
	normalize(v)

	next := make([]float64, dim)
	for it := 0; it < powerIterations; it++ {
		for j := range next {
			next[j] = 0
		}
		// Covariance-vector product without materializing the matrix.
		for _, row := range data {
			dot := 0.0
			for j, x := range row {
				dot += x * v[j]
			}
			for j, x := range row {
				next[j] += dot * x
			}
		}
		normalize(next)
		copy(v, next)
	}
	return v
}

func normalize(v []float64) {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for j := range v {
		v[j] /= norm
	}
}
