// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core entities Pathscope tracks in its store:
// registered slides, tile extraction runs, and model training runs.
package model

import "fmt"

// Slide is a registered whole-slide image within a project source.
type Slide struct {
	ID     int
	Name   string
	Path   string
	Source string
	Width  int
	Height int
	// MPP is microns per pixel at level 0; 0 when the file carried no
	// resolution metadata.
	MPP      float64
	IsActive bool
}

// String returns the source/name representation.
func (s Slide) String() string {
	return fmt.Sprintf("%s/%s", s.Source, s.Name)
}

// Extraction records one tile extraction run for a slide.
type Extraction struct {
	ID          int
	SlideName   string
	TilePX      int
	TileUM      int
	StrideDiv   int
	TilesKept   int
	TilesGray   int
	TilesWhite  int
	TilesROI    int
	ParamsHash  string
	TFRecord    string
	CompletedAt string
}

// Rejected returns the total number of tiles discarded by QC and ROI
// filtering.
func (e Extraction) Rejected() int {
	return e.TilesGray + e.TilesWhite + e.TilesROI
}

// TrainingRun records one model training run.
type TrainingRun struct {
	ID         int
	Name       string
	Backend    string
	ParamsJSON string
	// MetricsJSON holds the final epoch metrics (loss, accuracy) as JSON.
	MetricsJSON string
	Checkpoint  string
	CreatedAt   string
}

// AuditLogEntry is a single action recorded in the audit log.
type AuditLogEntry struct {
	ID        int
	Timestamp string
	Username  string
	Action    string
	Details   string
}
