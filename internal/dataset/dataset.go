// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package dataset provides a filterable view over a project's slides,
// annotations and tile archives. Filters are non-destructive: every
// filtering operation returns a new view, leaving the receiver untouched.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pathscope/pathscope/internal/slide"
	"github.com/pathscope/pathscope/internal/tfrecord"
)

// Source is one named collection of slides within a project.
type Source struct {
	Label        string `yaml:"label"`
	SlidesDir    string `yaml:"slides"`
	ROIDir       string `yaml:"roi"`
	TilesDir     string `yaml:"tiles"`
	TFRecordsDir string `yaml:"tfrecords"`
}

// TFRecordPath returns the archive directory for this source.
func (s Source) TFRecordPath() string {
	return filepath.Join(s.TFRecordsDir, s.Label)
}

// TilesPath returns the loose-tile directory for this source.
func (s Source) TilesPath() string {
	return filepath.Join(s.TilesDir, s.Label)
}

// Dataset is a view over sources and annotations at a fixed tile size.
type Dataset struct {
	Sources map[string]Source
	TilePX  int
	TileUM  int

	annotations *Annotations
	filters     map[string][]string
	filterBlank []string
	clip        map[string]int
}

// New builds a dataset over the given sources. annotationsPath may be empty
// for datasets used only for extraction.
func New(sources map[string]Source, tilePX, tileUM int, annotationsPath string) (*Dataset, error) {
	if tilePX <= 0 || tileUM <= 0 {
		return nil, fmt.Errorf("tile_px and tile_um must be positive (got %d px, %d um)", tilePX, tileUM)
	}
	d := &Dataset{
		Sources: sources,
		TilePX:  tilePX,
		TileUM:  tileUM,
		filters: map[string][]string{},
		clip:    map[string]int{},
	}
	if annotationsPath != "" {
		ann, err := LoadAnnotations(annotationsPath)
		if err != nil {
			return nil, err
		}
		d.annotations = ann
	}
	return d, nil
}

// Annotations returns the loaded annotations, or nil.
func (d *Dataset) Annotations() *Annotations {
	return d.annotations
}

// clone returns a deep copy of the view.
func (d *Dataset) clone() *Dataset {
	cp := &Dataset{
		Sources:     d.Sources,
		TilePX:      d.TilePX,
		TileUM:      d.TileUM,
		annotations: d.annotations,
		filters:     make(map[string][]string, len(d.filters)),
		filterBlank: append([]string(nil), d.filterBlank...),
		clip:        make(map[string]int, len(d.clip)),
	}
	for k, v := range d.filters {
		cp.filters[k] = append([]string(nil), v...)
	}
	for k, v := range d.clip {
		cp.clip[k] = v
	}
	return cp
}

// Filter returns a view restricted to slides whose annotation value for
// each header is among the allowed values.
func (d *Dataset) Filter(filters map[string][]string) *Dataset {
	cp := d.clone()
	for k, v := range filters {
		cp.filters[k] = append([]string(nil), v...)
	}
	return cp
}

// FilterBlank returns a view that drops slides with a blank value in any of
// the given headers.
func (d *Dataset) FilterBlank(headers ...string) *Dataset {
	cp := d.clone()
	cp.filterBlank = append(cp.filterBlank, headers...)
	return cp
}

// RemoveFilter returns a view without the given filter keys. Unknown keys
// are an error, matching the strictness of the annotation filters.
func (d *Dataset) RemoveFilter(keys ...string) (*Dataset, error) {
	cp := d.clone()
	for _, k := range keys {
		if _, ok := cp.filters[k]; !ok {
			active := make([]string, 0, len(cp.filters))
			for f := range cp.filters {
				active = append(active, f)
			}
			sort.Strings(active)
			return nil, fmt.Errorf("filter %q not found in dataset (active filters: %s)", k, strings.Join(active, ","))
		}
		delete(cp.filters, k)
	}
	return cp, nil
}

// ClearFilters returns a view with all filters removed.
func (d *Dataset) ClearFilters() *Dataset {
	cp := d.clone()
	cp.filters = map[string][]string{}
	cp.filterBlank = nil
	return cp
}

// matches reports whether an annotation row passes the active filters.
func (d *Dataset) matches(row map[string]string) bool {
	for header, allowed := range d.filters {
		v := row[header]
		ok := false
		for _, a := range allowed {
			if v == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, header := range d.filterBlank {
		if strings.TrimSpace(row[header]) == "" {
			return false
		}
	}
	return true
}

// Slides returns the names of slides passing the active filters. Without
// annotations, all slides found on disk are returned.
func (d *Dataset) Slides() []string {
	if d.annotations == nil {
		var names []string
		for _, p := range d.SlidePaths("") {
			names = append(names, slide.PathToName(p))
		}
		sort.Strings(names)
		return names
	}
	var names []string
	for _, row := range d.annotations.Rows {
		if d.matches(row) {
			names = append(names, row[ColSlide])
		}
	}
	sort.Strings(names)
	return names
}

// SlidePaths returns the on-disk slide files for the given source label (or
// all sources when empty), restricted to the active filters when
// annotations are loaded.
func (d *Dataset) SlidePaths(sourceLabel string) []string {
	allowed := map[string]bool{}
	restrict := d.annotations != nil
	if restrict {
		for _, name := range d.Slides() {
			allowed[name] = true
		}
	}

	var paths []string
	for label, src := range d.Sources {
		if sourceLabel != "" && label != sourceLabel {
			continue
		}
		entries, err := os.ReadDir(src.SlidesDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			p := filepath.Join(src.SlidesDir, e.Name())
			if !slide.CanRead(p) {
				continue
			}
			if restrict && !allowed[slide.PathToName(p)] {
				continue
			}
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// TFRecords returns all archive paths for the filtered slides.
func (d *Dataset) TFRecords() []string {
	allowed := map[string]bool{}
	restrict := d.annotations != nil
	if restrict {
		for _, name := range d.Slides() {
			allowed[name] = true
		}
	}

	var out []string
	for _, src := range d.Sources {
		dir := src.TFRecordPath()
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !tfrecord.IsArchive(e.Name()) {
				continue
			}
			if restrict && !allowed[tfrecord.ArchiveName(e.Name())] {
				continue
			}
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}

// ManifestEntry is a per-archive tile count, with the clipped count applied.
type ManifestEntry struct {
	Total   int `json:"total"`
	Clipped int `json:"clipped"`
}

// Manifest returns per-archive tile counts for the filtered slides, keyed
// by archive path. Missing per-directory manifests are generated.
func (d *Dataset) Manifest() (map[string]ManifestEntry, error) {
	combined := map[string]ManifestEntry{}
	filtered := map[string]bool{}
	for _, p := range d.TFRecords() {
		filtered[p] = true
	}

	for _, src := range d.Sources {
		dir := src.TFRecordPath()
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		manifest, err := tfrecord.ReadManifest(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest for %s: %w", dir, err)
		}
		for name, entry := range manifest {
			path := filepath.Join(dir, name)
			if !filtered[path] {
				continue
			}
			e := ManifestEntry{Total: entry.Total, Clipped: entry.Total}
			if max, ok := d.clip[slideNameForPath(path)]; ok && max < e.Clipped {
				e.Clipped = max
			}
			combined[path] = e
		}
	}
	return combined, nil
}

// NumTiles returns the total clipped tile count across the filtered
// archives.
func (d *Dataset) NumTiles() (int, error) {
	manifest, err := d.Manifest()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range manifest {
		n += e.Clipped
	}
	return n, nil
}

// Clip returns a view with every slide's tile count capped at maxTiles.
// A maxTiles of 0 removes the cap.
func (d *Dataset) Clip(maxTiles int) *Dataset {
	cp := d.clone()
	if maxTiles <= 0 {
		cp.clip = map[string]int{}
		return cp
	}
	for _, name := range d.Slides() {
		cp.clip[name] = maxTiles
	}
	return cp
}

// Unclip returns a view without tile count caps.
func (d *Dataset) Unclip() *Dataset {
	cp := d.clone()
	cp.clip = map[string]int{}
	return cp
}

func slideNameForPath(path string) string {
	return tfrecord.ArchiveName(path)
}
