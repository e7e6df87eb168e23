// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/i18n"
	"github.com/pathscope/pathscope/internal/project"
	"github.com/pathscope/pathscope/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve trained models over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		fmt.Println(i18n.T("serve.cli_listening"))
		fmt.Println(serveAddr)
		return server.New(p.ModelsPath(), db.Active()).Run(serveAddr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
}
