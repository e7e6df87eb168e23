// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// BackupData is the serialized form of the entire store, written as
// zstd-compressed JSON by the backup command and consumed by restore.
type BackupData struct {
	Version      int             `json:"version"`
	Slides       []Slide         `json:"slides"`
	Extractions  []Extraction    `json:"extractions"`
	TrainingRuns []TrainingRun   `json:"training_runs"`
	KnownHosts   []KnownHost     `json:"known_hosts"`
	AuditLog     []AuditLogEntry `json:"audit_log"`
}

// KnownHost is a trusted SSH host key used for slide buffering.
type KnownHost struct {
	Hostname string `json:"hostname"`
	Key      string `json:"key"`
}
