// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pathscope/pathscope/internal/model"
)

// backupVersion is bumped when the backup layout changes.
const backupVersion = 1

// ExportAll dumps the entire store into a BackupData snapshot.
func (s *BunStore) ExportAll() (*model.BackupData, error) {
	slides, err := s.GetAllSlides()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to export slides: %w", err)
	}

	ctx := context.Background()
	var extRows []ExtractionModel
	if err := s.bun.NewSelect().Model(&extRows).Order("id").Scan(ctx); err != nil {
		return nil, fmt.Errorf("backup: failed to export extractions: %w", err)
	}
	extractions := make([]model.Extraction, 0, len(extRows))
	for _, r := range extRows {
		extractions = append(extractions, extractionModelToModel(r))
	}

	runs, err := s.GetAllTrainingRuns()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to export training runs: %w", err)
	}

	var hostRows []KnownHostModel
	if err := s.bun.NewSelect().Model(&hostRows).Order("hostname").Scan(ctx); err != nil {
		return nil, fmt.Errorf("backup: failed to export known hosts: %w", err)
	}
	hosts := make([]model.KnownHost, 0, len(hostRows))
	for _, r := range hostRows {
		hosts = append(hosts, model.KnownHost{Hostname: r.Hostname, Key: r.Key})
	}

	audit, err := s.GetAllAuditLogEntries()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to export audit log: %w", err)
	}

	return &model.BackupData{
		Version:      backupVersion,
		Slides:       slides,
		Extractions:  extractions,
		TrainingRuns: runs,
		KnownHosts:   hosts,
		AuditLog:     audit,
	}, nil
}

// ImportAll loads a BackupData snapshot into the store. When full is true,
// all existing rows are deleted first; otherwise rows are appended and
// conflicts surface as insert errors.
func (s *BunStore) ImportAll(data *model.BackupData, full bool) error {
	if data == nil {
		return fmt.Errorf("restore: no backup data provided")
	}
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if full {
		for _, m := range []interface{}{
			(*ExtractionModel)(nil), (*TrainingRunModel)(nil),
			(*KnownHostModel)(nil), (*AuditLogModel)(nil), (*SlideModel)(nil),
		} {
			if _, err := tx.NewDelete().Model(m).Where("1 = 1").Exec(ctx); err != nil {
				return fmt.Errorf("restore: failed to clear table: %w", err)
			}
		}
	}

	for _, sl := range data.Slides {
		m := &SlideModel{
			Name: sl.Name, Path: sl.Path, Source: sl.Source,
			Width: sl.Width, Height: sl.Height, MPP: sl.MPP, IsActive: sl.IsActive,
		}
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("restore: failed to insert slide %s: %w", sl.Name, err)
		}
	}
	for _, e := range data.Extractions {
		m := &ExtractionModel{
			SlideName: e.SlideName, TilePX: e.TilePX, TileUM: e.TileUM,
			StrideDiv: e.StrideDiv, TilesKept: e.TilesKept, TilesGray: e.TilesGray,
			TilesWhite: e.TilesWhite, TilesROI: e.TilesROI, ParamsHash: e.ParamsHash,
			CompletedAt: parseBackupTime(e.CompletedAt),
		}
		if e.TFRecord != "" {
			m.TFRecord = sql.NullString{String: e.TFRecord, Valid: true}
		}
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("restore: failed to insert extraction for %s: %w", e.SlideName, err)
		}
	}
	for _, r := range data.TrainingRuns {
		m := &TrainingRunModel{
			Name: r.Name, Backend: r.Backend, ParamsJSON: r.ParamsJSON,
			CreatedAt: parseBackupTime(r.CreatedAt),
		}
		if r.MetricsJSON != "" {
			m.MetricsJSON = sql.NullString{String: r.MetricsJSON, Valid: true}
		}
		if r.Checkpoint != "" {
			m.Checkpoint = sql.NullString{String: r.Checkpoint, Valid: true}
		}
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("restore: failed to insert training run %s: %w", r.Name, err)
		}
	}
	for _, h := range data.KnownHosts {
		m := &KnownHostModel{Hostname: h.Hostname, Key: h.Key}
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("restore: failed to insert known host %s: %w", h.Hostname, err)
		}
	}
	for _, a := range data.AuditLog {
		m := &AuditLogModel{
			Timestamp: parseBackupTime(a.Timestamp),
			Username:  a.Username,
			Action:    a.Action,
			Details:   a.Details,
		}
		if _, err := tx.NewInsert().Model(m).Exec(ctx); err != nil {
			return fmt.Errorf("restore: failed to insert audit log entry: %w", err)
		}
	}

	return tx.Commit()
}

// parseBackupTime reads the RFC3339 timestamps the export writes. Malformed
// or empty values fall back to the insert time so the row still restores.
func parseBackupTime(s string) time.Time {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	return time.Now().UTC()
}

// WriteCompressedBackup streams the backup data as zstd-compressed JSON.
func WriteCompressedBackup(data *model.BackupData, w io.Writer) error {
	zstdWriter, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}

	encoder := json.NewEncoder(zstdWriter)
	encoder.SetIndent("", "  ") // Pretty-print the JSON inside the compressed file

	if err := encoder.Encode(data); err != nil {
		_ = zstdWriter.Close()
		return fmt.Errorf("could not encode json to zstd writer: %w", err)
	}
	return zstdWriter.Close()
}

// ReadCompressedBackup decodes a zstd-compressed JSON backup stream.
func ReadCompressedBackup(r io.Reader) (*model.BackupData, error) {
	zstdReader, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zstdReader.Close()

	var backupData model.BackupData
	if err := json.NewDecoder(zstdReader).Decode(&backupData); err != nil {
		return nil, fmt.Errorf("could not decode json from zstd reader: %w", err)
	}
	return &backupData, nil
}
