// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/pathscope/pathscope/internal/model"
	"github.com/uptrace/bun"
)

// SlideModel maps the `slides` table for Bun queries.
type SlideModel struct {
	bun.BaseModel `bun:"table:slides"`
	ID            int     `bun:"id,pk,autoincrement"`
	Name          string  `bun:"name"`
	Path          string  `bun:"path"`
	Source        string  `bun:"source"`
	Width         int     `bun:"width"`
	Height        int     `bun:"height"`
	MPP           float64 `bun:"mpp"`
	IsActive      bool    `bun:"is_active"`
}

// ExtractionModel maps the `extractions` table.
type ExtractionModel struct {
	bun.BaseModel `bun:"table:extractions"`
	ID            int            `bun:"id,pk,autoincrement"`
	SlideName     string         `bun:"slide_name"`
	TilePX        int            `bun:"tile_px"`
	TileUM        int            `bun:"tile_um"`
	StrideDiv     int            `bun:"stride_div"`
	TilesKept     int            `bun:"tiles_kept"`
	TilesGray     int            `bun:"tiles_gray"`
	TilesWhite    int            `bun:"tiles_white"`
	TilesROI      int            `bun:"tiles_roi"`
	ParamsHash    string         `bun:"params_hash"`
	TFRecord      sql.NullString `bun:"tfrecord"`
	CompletedAt   time.Time      `bun:"completed_at,nullzero,default:current_timestamp"`
}

// TrainingRunModel maps the `training_runs` table.
type TrainingRunModel struct {
	bun.BaseModel `bun:"table:training_runs"`
	ID            int            `bun:"id,pk,autoincrement"`
	Name          string         `bun:"name"`
	Backend       string         `bun:"backend"`
	ParamsJSON    string         `bun:"params_json"`
	MetricsJSON   sql.NullString `bun:"metrics_json"`
	Checkpoint    sql.NullString `bun:"checkpoint"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,default:current_timestamp"`
}

// KnownHostModel maps the `known_hosts` table.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"key"`
}

// AuditLogModel maps the `audit_log` table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int       `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp,nullzero,default:current_timestamp"`
	Username      string    `bun:"username"`
	Action        string    `bun:"action"`
	Details       string    `bun:"details"`
}

// --- Mapping helpers (centralized conversions) ---

func slideModelToModel(s SlideModel) model.Slide {
	return model.Slide{
		ID: s.ID, Name: s.Name, Path: s.Path, Source: s.Source,
		Width: s.Width, Height: s.Height, MPP: s.MPP, IsActive: s.IsActive,
	}
}

func extractionModelToModel(e ExtractionModel) model.Extraction {
	out := model.Extraction{
		ID: e.ID, SlideName: e.SlideName, TilePX: e.TilePX, TileUM: e.TileUM,
		StrideDiv: e.StrideDiv, TilesKept: e.TilesKept, TilesGray: e.TilesGray,
		TilesWhite: e.TilesWhite, TilesROI: e.TilesROI, ParamsHash: e.ParamsHash,
	}
	if e.TFRecord.Valid {
		out.TFRecord = e.TFRecord.String
	}
	if !e.CompletedAt.IsZero() {
		out.CompletedAt = e.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func trainingRunModelToModel(r TrainingRunModel) model.TrainingRun {
	out := model.TrainingRun{
		ID: r.ID, Name: r.Name, Backend: r.Backend, ParamsJSON: r.ParamsJSON,
	}
	if r.MetricsJSON.Valid {
		out.MetricsJSON = r.MetricsJSON.String
	}
	if r.Checkpoint.Valid {
		out.Checkpoint = r.Checkpoint.String
	}
	if !r.CreatedAt.IsZero() {
		out.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// BunStore is the bun-backed implementation of the Store interface. One
// type serves all three dialects; dialect-specific behavior lives in the
// migration layer.
type BunStore struct {
	bun    *bun.DB
	dbType string
}

// NewBunStore wraps an existing bun.DB; used by tests.
func NewBunStore(bdb *bun.DB, dbType string) *BunStore {
	return &BunStore{bun: bdb, dbType: dbType}
}

// AddSlide registers a slide and returns its ID.
func (s *BunStore) AddSlide(name, path, source string, width, height int, mpp float64) (int, error) {
	ctx := context.Background()
	m := &SlideModel{
		Name: name, Path: path, Source: source,
		Width: width, Height: height, MPP: mpp, IsActive: true,
	}
	if _, err := s.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to insert slide %s: %w", name, err)
	}
	_ = s.LogAction("ADD_SLIDE", fmt.Sprintf("slide: %s/%s", source, name))
	return m.ID, nil
}

// GetAllSlides retrieves all registered slides.
func (s *BunStore) GetAllSlides() ([]model.Slide, error) {
	ctx := context.Background()
	var rows []SlideModel
	if err := s.bun.NewSelect().Model(&rows).Order("source", "name").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Slide, 0, len(rows))
	for _, r := range rows {
		out = append(out, slideModelToModel(r))
	}
	return out, nil
}

// GetSlideByName returns the slide with the given name, or nil when absent.
func (s *BunStore) GetSlideByName(name string) (*model.Slide, error) {
	ctx := context.Background()
	var row SlideModel
	err := s.bun.NewSelect().Model(&row).Where("name = ?", name).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m := slideModelToModel(row)
	return &m, nil
}

// UpdateSlideMeta stores the dimensions and resolution read from the slide
// file.
func (s *BunStore) UpdateSlideMeta(id, width, height int, mpp float64) error {
	ctx := context.Background()
	_, err := s.bun.NewUpdate().Model((*SlideModel)(nil)).
		Set("width = ?", width).
		Set("height = ?", height).
		Set("mpp = ?", mpp).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ToggleSlideStatus flips a slide between active and inactive.
func (s *BunStore) ToggleSlideStatus(id int) error {
	ctx := context.Background()
	var row SlideModel
	if err := s.bun.NewSelect().Model(&row).Where("id = ?", id).Limit(1).Scan(ctx); err != nil {
		return fmt.Errorf("slide %d not found: %w", id, err)
	}
	_, err := s.bun.NewUpdate().Model((*SlideModel)(nil)).
		Set("is_active = ?", !row.IsActive).
		Where("id = ?", id).
		Exec(ctx)
	if err == nil {
		_ = s.LogAction("TOGGLE_SLIDE", fmt.Sprintf("id: %d, active: %t", id, !row.IsActive))
	}
	return err
}

// DeleteSlide removes a slide by ID.
func (s *BunStore) DeleteSlide(id int) error {
	ctx := context.Background()
	var row SlideModel
	details := fmt.Sprintf("id: %d", id)
	if err := s.bun.NewSelect().Model(&row).Where("id = ?", id).Limit(1).Scan(ctx); err == nil {
		details = fmt.Sprintf("slide: %s/%s", row.Source, row.Name)
	}
	_, err := s.bun.NewDelete().Model((*SlideModel)(nil)).Where("id = ?", id).Exec(ctx)
	if err == nil {
		_ = s.LogAction("DELETE_SLIDE", details)
	}
	return err
}

// RecordExtraction stores the outcome of a tile extraction run.
func (s *BunStore) RecordExtraction(e model.Extraction) (int, error) {
	ctx := context.Background()
	m := &ExtractionModel{
		SlideName: e.SlideName, TilePX: e.TilePX, TileUM: e.TileUM,
		StrideDiv: e.StrideDiv, TilesKept: e.TilesKept, TilesGray: e.TilesGray,
		TilesWhite: e.TilesWhite, TilesROI: e.TilesROI, ParamsHash: e.ParamsHash,
		CompletedAt: time.Now().UTC(),
	}
	if e.TFRecord != "" {
		m.TFRecord = sql.NullString{String: e.TFRecord, Valid: true}
	}
	if _, err := s.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record extraction for %s: %w", e.SlideName, err)
	}
	_ = s.LogAction("EXTRACT_TILES", fmt.Sprintf("slide: %s, kept: %d, rejected: %d", e.SlideName, e.TilesKept, e.Rejected()))
	return m.ID, nil
}

// GetExtractionsForSlide returns all recorded extractions for a slide.
func (s *BunStore) GetExtractionsForSlide(slideName string) ([]model.Extraction, error) {
	ctx := context.Background()
	var rows []ExtractionModel
	err := s.bun.NewSelect().Model(&rows).
		Where("slide_name = ?", slideName).
		Order("id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Extraction, 0, len(rows))
	for _, r := range rows {
		out = append(out, extractionModelToModel(r))
	}
	return out, nil
}

// HasExtraction reports whether an extraction with the given parameter
// fingerprint has already completed for the slide.
func (s *BunStore) HasExtraction(slideName, paramsHash string) (bool, error) {
	ctx := context.Background()
	n, err := s.bun.NewSelect().Model((*ExtractionModel)(nil)).
		Where("slide_name = ?", slideName).
		Where("params_hash = ?", paramsHash).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordTrainingRun stores a completed or started training run.
func (s *BunStore) RecordTrainingRun(r model.TrainingRun) (int, error) {
	ctx := context.Background()
	m := &TrainingRunModel{
		Name: r.Name, Backend: r.Backend, ParamsJSON: r.ParamsJSON,
		CreatedAt: time.Now().UTC(),
	}
	if r.MetricsJSON != "" {
		m.MetricsJSON = sql.NullString{String: r.MetricsJSON, Valid: true}
	}
	if r.Checkpoint != "" {
		m.Checkpoint = sql.NullString{String: r.Checkpoint, Valid: true}
	}
	if _, err := s.bun.NewInsert().Model(m).Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record training run %s: %w", r.Name, err)
	}
	_ = s.LogAction("TRAIN_MODEL", fmt.Sprintf("model: %s, backend: %s", r.Name, r.Backend))
	return m.ID, nil
}

// GetAllTrainingRuns returns all recorded training runs, newest first.
func (s *BunStore) GetAllTrainingRuns() ([]model.TrainingRun, error) {
	ctx := context.Background()
	var rows []TrainingRunModel
	if err := s.bun.NewSelect().Model(&rows).Order("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.TrainingRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, trainingRunModelToModel(r))
	}
	return out, nil
}

// GetTrainingRunByName returns the run with the given model name, or nil.
func (s *BunStore) GetTrainingRunByName(name string) (*model.TrainingRun, error) {
	ctx := context.Background()
	var row TrainingRunModel
	err := s.bun.NewSelect().Model(&row).Where("name = ?", name).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m := trainingRunModelToModel(row)
	return &m, nil
}

// GetKnownHostKey returns the trusted key for a hostname, or "" when the
// host is unknown.
func (s *BunStore) GetKnownHostKey(hostname string) (string, error) {
	ctx := context.Background()
	var row KnownHostModel
	err := s.bun.NewSelect().Model(&row).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return row.Key, nil
}

// AddKnownHostKey stores or replaces the trusted key for a hostname.
func (s *BunStore) AddKnownHostKey(hostname, key string) error {
	ctx := context.Background()
	tx, err := s.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NewDelete().Model((*KnownHostModel)(nil)).Where("hostname = ?", hostname).Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear previous host key: %w", err)
	}
	if _, err := tx.NewInsert().Model(&KnownHostModel{Hostname: hostname, Key: key}).Exec(ctx); err != nil {
		return fmt.Errorf("failed to store host key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_ = s.LogAction("TRUST_HOST", fmt.Sprintf("host: %s", hostname))
	return nil
}

// LogAction appends an entry to the audit log. The username is the current
// OS user; failures to resolve it fall back to "unknown".
func (s *BunStore) LogAction(action, details string) error {
	ctx := context.Background()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	_, err := s.bun.NewInsert().Model(&AuditLogModel{
		Timestamp: time.Now().UTC(),
		Username:  username,
		Action:    action,
		Details:   details,
	}).Exec(ctx)
	return err
}

// GetAllAuditLogEntries returns the audit log, newest first.
func (s *BunStore) GetAllAuditLogEntries() ([]model.AuditLogEntry, error) {
	ctx := context.Background()
	var rows []AuditLogModel
	if err := s.bun.NewSelect().Model(&rows).Order("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AuditLogEntry{
			ID:        r.ID,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			Username:  r.Username,
			Action:    r.Action,
			Details:   r.Details,
		})
	}
	return out, nil
}
