// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/heatmap"
	"github.com/pathscope/pathscope/internal/i18n"
	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/mosaic"
	"github.com/pathscope/pathscope/internal/project"
	"github.com/pathscope/pathscope/internal/slide"
	"github.com/pathscope/pathscope/internal/tfrecord"
	"github.com/pathscope/pathscope/internal/train"
)

var (
	heatmapClass   string
	heatmapOut     string
	heatmapMaxDim  int
	heatmapOpacity float64

	mosaicOut      string
	mosaicGrid     int
	mosaicCellPX   int
	mosaicMaxTiles int
)

// slideArchive finds the tile archive for a slide across all sources.
func slideArchive(p *project.Project, slideName string, tilePX, tileUM int) (string, string, error) {
	d, err := p.Dataset(tilePX, tileUM)
	if err != nil {
		return "", "", err
	}
	var archivePath, slidePath string
	for _, path := range d.TFRecords() {
		if tfrecord.ArchiveName(path) == slideName {
			archivePath = path
			break
		}
	}
	for _, path := range d.SlidePaths("") {
		if slide.PathToName(path) == slideName {
			slidePath = path
			break
		}
	}
	if archivePath == "" {
		return "", "", fmt.Errorf("no tile archive found for slide %q; run 'pathscope extract' first", slideName)
	}
	if slidePath == "" {
		return "", "", fmt.Errorf("slide file for %q not found in any source", slideName)
	}
	return archivePath, slidePath, nil
}

var heatmapCmd = &cobra.Command{
	Use:   "heatmap <model> <slide>",
	Short: "Render a prediction heatmap for one slide",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		modelName, slideName := args[0], args[1]

		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		trained, _, err := train.LoadCheckpoint(filepath.Join(p.ModelsPath(), modelName+train.CheckpointExt))
		if err != nil {
			return err
		}
		if trained.Hyper.ModelType != train.ModelCategorical {
			return fmt.Errorf("heatmaps require a categorical model")
		}

		classIdx := len(trained.Classes) - 1
		if heatmapClass != "" {
			classIdx = -1
			for i, c := range trained.Classes {
				if c == heatmapClass {
					classIdx = i
					break
				}
			}
			if classIdx < 0 {
				return fmt.Errorf("model has no class %q (classes: %v)", heatmapClass, trained.Classes)
			}
		}

		archivePath, slidePath, err := slideArchive(p, slideName, trained.Hyper.TilePX, trained.Hyper.TileUM)
		if err != nil {
			return err
		}

		r, err := tfrecord.NewReader(archivePath)
		if err != nil {
			return err
		}
		defer r.Close()

		var scores []heatmap.TileScore
		for {
			t, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			img, _, err := image.Decode(bytes.NewReader(t.Image))
			if err != nil {
				return err
			}
			pred, err := trained.Predict(train.Featurize(img))
			if err != nil {
				return err
			}
			scores = append(scores, heatmap.TileScore{X: t.X, Y: t.Y, Score: pred.Probabilities[classIdx]})
		}
		logging.Infof("scored %d tiles for %s", len(scores), slideName)

		out := heatmapOut
		if out == "" {
			out = p.Abs(filepath.Join("heatmaps", slideName+"-"+trained.Classes[classIdx]+".png"))
		}
		opts := heatmap.DefaultOptions(trained.Hyper.TileUM)
		opts.MaxDim = heatmapMaxDim
		opts.Opacity = heatmapOpacity
		if err := heatmap.Save(slidePath, scores, opts, out); err != nil {
			return err
		}
		fmt.Println(i18n.T("heatmap.cli_done"))
		fmt.Println(out)
		return nil
	},
}

var mosaicCmd = &cobra.Command{
	Use:   "mosaic",
	Short: "Render a mosaic map of the extracted tiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		d, err := p.Dataset(extractTilePX, extractTileUM)
		if err != nil {
			return err
		}

		var tiles []mosaic.TileRef
		perSlide := map[string]int{}
		for _, path := range d.TFRecords() {
			r, err := tfrecord.NewReader(path)
			if err != nil {
				return err
			}
			for {
				t, err := r.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					_ = r.Close()
					return err
				}
				if mosaicMaxTiles > 0 && perSlide[t.Slide] >= mosaicMaxTiles {
					continue
				}
				img, _, err := image.Decode(bytes.NewReader(t.Image))
				if err != nil {
					_ = r.Close()
					return err
				}
				perSlide[t.Slide]++
				tiles = append(tiles, mosaic.TileRef{
					Slide:    t.Slide,
					Features: train.Featurize(img),
					Image:    t.Image,
				})
			}
			_ = r.Close()
		}
		logging.Infof("arranging %d tiles", len(tiles))

		out := mosaicOut
		if out == "" {
			out = p.Abs(filepath.Join("mosaics", "mosaic.png"))
		}
		opts := mosaic.DefaultOptions()
		opts.GridSize = mosaicGrid
		opts.CellPX = mosaicCellPX
		if err := mosaic.Save(tiles, opts, out); err != nil {
			return err
		}
		fmt.Println(i18n.T("mosaic.cli_done"))
		fmt.Println(out)
		return nil
	},
}

func init() {
	hf := heatmapCmd.Flags()
	hf.StringVar(&heatmapClass, "class", "", "Class to render (defaults to the last class)")
	hf.StringVar(&heatmapOut, "out", "", "Output PNG path")
	hf.IntVar(&heatmapMaxDim, "max-dim", 2048, "Longer edge of the rendered heatmap")
	hf.Float64Var(&heatmapOpacity, "opacity", 0.6, "Overlay opacity")

	mf := mosaicCmd.Flags()
	mf.StringVar(&mosaicOut, "out", "", "Output PNG path")
	mf.IntVar(&mosaicGrid, "grid", 25, "Mosaic grid size")
	mf.IntVar(&mosaicCellPX, "cell-px", 64, "Rendered cell size in pixels")
	mf.IntVar(&mosaicMaxTiles, "max-tiles", 50, "Tiles sampled per slide")
	mf.IntVar(&extractTilePX, "tile-px", 299, "Tile size in pixels")
	mf.IntVar(&extractTileUM, "tile-um", 302, "Tile size in microns")
}
