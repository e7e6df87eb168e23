// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"github.com/pathscope/pathscope/internal/model"
)

// Store defines the interface for all database operations in Pathscope.
// This allows for multiple database backends to be implemented.
type Store interface {
	// Slide methods
	AddSlide(name, path, source string, width, height int, mpp float64) (int, error)
	GetAllSlides() ([]model.Slide, error)
	GetSlideByName(name string) (*model.Slide, error)
	UpdateSlideMeta(id, width, height int, mpp float64) error
	ToggleSlideStatus(id int) error
	DeleteSlide(id int) error

	// Extraction methods
	RecordExtraction(e model.Extraction) (int, error)
	GetExtractionsForSlide(slideName string) ([]model.Extraction, error)
	HasExtraction(slideName, paramsHash string) (bool, error)

	// Training run methods
	RecordTrainingRun(r model.TrainingRun) (int, error)
	GetAllTrainingRuns() ([]model.TrainingRun, error)
	GetTrainingRunByName(name string) (*model.TrainingRun, error)

	// Known host methods (slide buffering over SFTP)
	GetKnownHostKey(hostname string) (string, error)
	AddKnownHostKey(hostname, key string) error

	// Audit log methods
	LogAction(action, details string) error
	GetAllAuditLogEntries() ([]model.AuditLogEntry, error)

	// Backup/restore
	ExportAll() (*model.BackupData, error)
	ImportAll(data *model.BackupData, full bool) error
}
