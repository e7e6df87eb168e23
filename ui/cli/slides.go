// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/project"
	"github.com/pathscope/pathscope/internal/slide"
)

var slidesCmd = &cobra.Command{
	Use:   "slides",
	Short: "Manage the slide inventory",
}

// slidesScanCmd walks the project's slide directories and registers new
// slides with their dimensions and resolution metadata.
var slidesScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Register slides found in the project sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		// Tile geometry is irrelevant for scanning; use a placeholder.
		d, err := p.Dataset(299, 302)
		if err != nil {
			return err
		}

		store := db.Active()
		added := 0
		for label := range d.Sources {
			for _, path := range d.SlidePaths(label) {
				name := slide.PathToName(path)
				existing, err := store.GetSlideByName(name)
				if err == nil && existing != nil && existing.Width > 0 {
					continue
				}
				reader, err := slide.Open(path)
				if err != nil {
					logging.Warnf("skipping %s: %v", path, err)
					continue
				}
				width, height := reader.Dimensions()
				mpp := reader.MPP()
				_ = reader.Close()

				// Slides registered before their file was readable carry
				// zero dimensions; fill them in on rescan.
				if existing != nil {
					if err := store.UpdateSlideMeta(existing.ID, width, height, mpp); err != nil {
						return fmt.Errorf("failed to update slide %s: %w", name, err)
					}
					continue
				}
				if _, err := store.AddSlide(name, path, label, width, height, mpp); err != nil {
					return fmt.Errorf("failed to register slide %s: %w", name, err)
				}
				added++
			}
		}
		fmt.Printf("Registered %d new slide(s).\n", added)
		return nil
	},
}

var slidesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered slides",
	RunE: func(cmd *cobra.Command, args []string) error {
		slides, err := db.Active().GetAllSlides()
		if err != nil {
			return err
		}
		if len(slides) == 0 {
			fmt.Println("No slides registered. Run 'pathscope slides scan' first.")
			return nil
		}
		for _, s := range slides {
			status := "active"
			if !s.IsActive {
				status = "inactive"
			}
			fmt.Printf("%-4d %-30s %6dx%-6d %.3f mpp  %-8s %s\n", s.ID, s.String(), s.Width, s.Height, s.MPP, status, s.Path)
		}
		return nil
	},
}

var slidesToggleCmd = &cobra.Command{
	Use:   "toggle <name>",
	Short: "Toggle a slide between active and inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := db.Active()
		s, err := store.GetSlideByName(args[0])
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("slide %q not found", args[0])
		}
		return store.ToggleSlideStatus(s.ID)
	},
}

var slidesRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a slide from the inventory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := db.Active()
		s, err := store.GetSlideByName(args[0])
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("slide %q not found", args[0])
		}
		if err := store.DeleteSlide(s.ID); err != nil {
			return fmt.Errorf("failed to remove slide %s: %w", args[0], err)
		}
		fmt.Printf("Removed slide %s.\n", args[0])
		return nil
	},
}

var slidesInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show a slide's metadata and extraction history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := db.Active()
		s, err := store.GetSlideByName(args[0])
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("slide %q not found", args[0])
		}

		status := "active"
		if !s.IsActive {
			status = "inactive"
		}
		fmt.Printf("Name:   %s\n", s.Name)
		fmt.Printf("Path:   %s\n", s.Path)
		fmt.Printf("Source: %s\n", s.Source)
		fmt.Printf("Size:   %dx%d @ %.3f mpp\n", s.Width, s.Height, s.MPP)
		fmt.Printf("Status: %s\n", status)

		extractions, err := store.GetExtractionsForSlide(s.Name)
		if err != nil {
			return err
		}
		if len(extractions) == 0 {
			fmt.Println("No extractions recorded.")
			return nil
		}
		fmt.Printf("Extractions (%d):\n", len(extractions))
		for _, e := range extractions {
			fmt.Printf("  %dpx/%dum  kept %d, rejected %d  %s  %s\n",
				e.TilePX, e.TileUM, e.TilesKept, e.Rejected(), e.CompletedAt, e.TFRecord)
		}
		return nil
	},
}

func init() {
	slidesCmd.AddCommand(slidesScanCmd, slidesListCmd, slidesToggleCmd, slidesRmCmd, slidesInfoCmd)
}
