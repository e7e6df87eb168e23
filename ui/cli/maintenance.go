// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/i18n"
)

var fullRestore bool

var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Write a compressed backup of the database",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(i18n.T("backup.cli_starting"))

		data, err := db.Active().ExportAll()
		if err != nil {
			return fmt.Errorf("%s: %w", i18n.T("backup.cli_error_export"), err)
		}

		path := fmt.Sprintf("pathscope-backup-%s.json.zst", time.Now().Format("2006-01-02"))
		if len(args) == 1 {
			path = args[0]
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("%s: %w", i18n.T("backup.cli_error_write"), err)
		}
		if err := db.WriteCompressedBackup(data, f); err != nil {
			_ = f.Close()
			return fmt.Errorf("%s: %w", i18n.T("backup.cli_error_write"), err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("%s: %w", i18n.T("backup.cli_error_write"), err)
		}

		fmt.Println(i18n.T("backup.cli_success"))
		fmt.Println(path)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore the database from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("%s: %w", i18n.T("restore.cli_error"), err)
		}
		defer f.Close()

		data, err := db.ReadCompressedBackup(f)
		if err != nil {
			return fmt.Errorf("%s: %w", i18n.T("restore.cli_error"), err)
		}
		if err := db.Active().ImportAll(data, fullRestore); err != nil {
			return fmt.Errorf("%s: %w", i18n.T("restore.cli_error"), err)
		}

		fmt.Println(i18n.T("restore.cli_success"))
		return nil
	},
}

var dbMaintainCmd = &cobra.Command{
	Use:   "db-maintain",
	Short: "Run database maintenance (vacuum, optimize, integrity check)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.RunDBMaintenance(appConfig.Database.Type, appConfig.Database.Dsn); err != nil {
			return err
		}
		fmt.Println(i18n.T("db_maintain.cli_success"))
		return nil
	},
}

func init() {
	restoreCmd.Flags().BoolVar(&fullRestore, "full", false, "Perform a full, destructive restore (wipes all existing data first)")
}
