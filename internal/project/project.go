// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package project manages the on-disk project layout: a project.yaml next
// to the slide, tile, archive and model directories it names.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"github.com/pathscope/pathscope/internal/dataset"
)

// FileName is the project configuration file.
const FileName = "project.yaml"

// ErrExists marks an attempt to create a project where one already lives.
var ErrExists = errors.New("project already exists")

// Project is one pathology project rooted at a directory.
type Project struct {
	Name        string                    `yaml:"name"`
	Annotations string                    `yaml:"annotations"`
	ModelsDir   string                    `yaml:"models"`
	Sources     map[string]dataset.Source `yaml:"sources"`

	root string
}

// Create initializes a new project at root with one default source and the
// standard directory layout. An existing project.yaml is an error.
func Create(root, name string) (*Project, error) {
	path := filepath.Join(root, FileName)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Wrapf(ErrExists, "at %s", path)
	}

	p := &Project{
		Name:        name,
		Annotations: "annotations.csv",
		ModelsDir:   "models",
		Sources: map[string]dataset.Source{
			"default": {
				Label:        "default",
				SlidesDir:    "slides",
				ROIDir:       "roi",
				TilesDir:     "tiles",
				TFRecordsDir: "tfrecords",
			},
		},
		root: root,
	}
	for _, dir := range []string{"slides", "roi", "tiles", "tfrecords", "models"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create project dir %s", dir)
		}
	}
	if err := p.Save(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a project from its root directory.
func Load(root string) (*Project, error) {
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read project file %s", path)
	}
	p := &Project{root: root}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, errors.Wrapf(err, "failed to parse project file %s", path)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("project file %s has no name", path)
	}
	if len(p.Sources) == 0 {
		return nil, fmt.Errorf("project %s defines no sources", p.Name)
	}
	for label, src := range p.Sources {
		if src.Label == "" {
			src.Label = label
			p.Sources[label] = src
		}
	}
	return p, nil
}

// Save writes the project configuration back to project.yaml.
func (p *Project) Save() error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to serialize project")
	}
	if err := os.WriteFile(filepath.Join(p.root, FileName), data, 0644); err != nil {
		return errors.Wrap(err, "failed to write project file")
	}
	return nil
}

// Root returns the project root directory.
func (p *Project) Root() string { return p.root }

// Abs resolves a project-relative path.
func (p *Project) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.root, rel)
}

// AnnotationsPath returns the absolute annotations file path, or "" when
// the file does not exist yet.
func (p *Project) AnnotationsPath() string {
	path := p.Abs(p.Annotations)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// ModelsPath returns the absolute model checkpoint directory.
func (p *Project) ModelsPath() string {
	return p.Abs(p.ModelsDir)
}

// AddSource registers a new source with its own directory set and creates
// the directories.
func (p *Project) AddSource(label string) error {
	if _, exists := p.Sources[label]; exists {
		return fmt.Errorf("source %q already exists", label)
	}
	src := dataset.Source{
		Label:        label,
		SlidesDir:    filepath.Join("slides", label),
		ROIDir:       filepath.Join("roi", label),
		TilesDir:     "tiles",
		TFRecordsDir: "tfrecords",
	}
	for _, dir := range []string{src.SlidesDir, src.ROIDir} {
		if err := os.MkdirAll(p.Abs(dir), 0755); err != nil {
			return errors.Wrapf(err, "failed to create source dir %s", dir)
		}
	}
	p.Sources[label] = src
	return p.Save()
}

// Dataset builds a dataset view over all project sources at the given tile
// geometry, with source paths resolved against the project root.
func (p *Project) Dataset(tilePX, tileUM int) (*dataset.Dataset, error) {
	sources := make(map[string]dataset.Source, len(p.Sources))
	for label, src := range p.Sources {
		sources[label] = dataset.Source{
			Label:        src.Label,
			SlidesDir:    p.Abs(src.SlidesDir),
			ROIDir:       p.Abs(src.ROIDir),
			TilesDir:     p.Abs(src.TilesDir),
			TFRecordsDir: p.Abs(src.TFRecordsDir),
		}
	}
	return dataset.New(sources, tilePX, tileUM, p.AnnotationsPath())
}
