// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package tfrecord

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ManifestName is the per-directory manifest file.
const ManifestName = "manifest.json"

// ManifestEntry records the tile count of one archive.
type ManifestEntry struct {
	Total int `json:"total"`
}

// IsArchive reports whether the file name looks like a tile archive,
// compressed or not. Unfinished archives are excluded.
func IsArchive(name string) bool {
	if strings.HasSuffix(name, UnfinishedSuffix) {
		return false
	}
	for _, suffix := range []string{Extension, Extension + ".gz", Extension + ".zst"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// ArchiveName strips the archive suffixes from a file name, yielding the
// slide name.
func ArchiveName(name string) string {
	name = filepath.Base(name)
	for _, suffix := range []string{".zst", ".gz", Extension} {
		name = strings.TrimSuffix(name, suffix)
	}
	return name
}

// UpdateManifest counts the records of every archive in dir and writes the
// result to manifest.json, returning the manifest keyed by archive file
// name.
func UpdateManifest(dir string) (map[string]ManifestEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read tfrecord dir %s: %w", dir, err)
	}

	manifest := make(map[string]ManifestEntry)
	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsArchive(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		total, err := countRecords(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to count records in %s: %w", name, err)
		}
		manifest[name] = ManifestEntry{Total: total}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return manifest, nil
}

// ReadManifest loads manifest.json from dir. A missing manifest is
// regenerated.
func ReadManifest(dir string) (map[string]ManifestEntry, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return UpdateManifest(dir)
		}
		return nil, err
	}
	var manifest map[string]ManifestEntry
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt manifest %s: %w", path, err)
	}
	return manifest, nil
}

func countRecords(path string) (int, error) {
	r, err := NewReader(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	n := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
		n++
	}
}
