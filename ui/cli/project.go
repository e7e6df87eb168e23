// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/i18n"
	"github.com/pathscope/pathscope/internal/project"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage the project layout",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new project in the project directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := project.Create(projectDir, args[0]); err != nil {
			if errors.Is(err, project.ErrExists) {
				return fmt.Errorf("%s", i18n.T("project.cli_exists"))
			}
			return err
		}
		fmt.Println(i18n.T("project.cli_created"))
		return nil
	},
}

var projectInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the project configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		fmt.Printf("Project:     %s\n", p.Name)
		fmt.Printf("Root:        %s\n", p.Root())
		fmt.Printf("Annotations: %s\n", p.Annotations)
		fmt.Printf("Models:      %s\n", p.ModelsDir)

		labels := make([]string, 0, len(p.Sources))
		for label := range p.Sources {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			src := p.Sources[label]
			fmt.Printf("Source %s: slides=%s roi=%s tfrecords=%s\n", label, src.SlidesDir, src.ROIDir, src.TFRecordsDir)
		}
		return nil
	},
}

var projectAddSourceCmd = &cobra.Command{
	Use:   "add-source <label>",
	Short: "Add a slide source to the project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		return p.AddSource(args[0])
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd, projectInfoCmd, projectAddSourceCmd)
}
