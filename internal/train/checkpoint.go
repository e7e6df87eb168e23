// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// CheckpointExt is the suffix of saved model files.
const CheckpointExt = ".ckpt.zst"

// checkpoint is the on-disk model layout.
type checkpoint struct {
	Version int      `json:"version"`
	Model   *Model   `json:"model"`
	History *History `json:"history,omitempty"`
}

const checkpointVersion = 1

// SaveCheckpoint writes a model (with its training history) as
// zstd-compressed JSON.
func SaveCheckpoint(path string, m *Model, h *History) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create model dir")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint %s", path)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to create zstd writer")
	}

	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(checkpoint{Version: checkpointVersion, Model: m, History: h}); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "failed to finish checkpoint")
	}
	return f.Close()
}

// LoadCheckpoint reads a saved model.
func LoadCheckpoint(path string) (*Model, *History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open checkpoint %s", path)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create zstd reader")
	}
	defer zr.Close()

	var ck checkpoint
	if err := json.NewDecoder(zr).Decode(&ck); err != nil {
		return nil, nil, errors.Wrapf(err, "corrupt checkpoint %s", path)
	}
	if ck.Version != checkpointVersion {
		return nil, nil, fmt.Errorf("checkpoint %s has unsupported version %d", path, ck.Version)
	}
	if ck.Model == nil {
		return nil, nil, fmt.Errorf("checkpoint %s carries no model", path)
	}
	if _, err := backendFor(ck.Model.Backend); err != nil {
		return nil, nil, err
	}
	return ck.Model, ck.History, nil
}
