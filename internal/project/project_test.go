package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateLoadRoundtrip(t *testing.T) {
	root := t.TempDir()
	p, err := Create(root, "lung-adeno")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Create(root, "again"); err == nil {
		t.Fatalf("creating over an existing project should error")
	}

	for _, dir := range []string{"slides", "roi", "tiles", "tfrecords", "models"} {
		if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
			t.Fatalf("missing project dir %s: %v", dir, err)
		}
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Name != "lung-adeno" {
		t.Fatalf("name mismatch: %s", loaded.Name)
	}
	if _, ok := loaded.Sources["default"]; !ok {
		t.Fatalf("default source missing: %+v", loaded.Sources)
	}
	if loaded.Root() != root {
		t.Fatalf("root mismatch: %s", loaded.Root())
	}
	_ = p
}

func TestLoad_Validation(t *testing.T) {
	root := t.TempDir()
	if _, err := Load(root); err == nil {
		t.Fatalf("missing project.yaml should error")
	}
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("name: \"\"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(root); err == nil {
		t.Fatalf("nameless project should error")
	}
}

func TestAddSource(t *testing.T) {
	root := t.TempDir()
	p, err := Create(root, "multi-site")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.AddSource("site-b"); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := p.AddSource("site-b"); err == nil {
		t.Fatalf("duplicate source should error")
	}
	if _, err := os.Stat(filepath.Join(root, "slides", "site-b")); err != nil {
		t.Fatalf("source slide dir missing: %v", err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Sources) != 2 {
		t.Fatalf("expected 2 sources after reload, got %d", len(loaded.Sources))
	}
}

func TestDataset(t *testing.T) {
	root := t.TempDir()
	p, err := Create(root, "ds")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := p.Dataset(299, 302)
	if err != nil {
		t.Fatalf("Dataset: %v", err)
	}
	src := d.Sources["default"]
	if !filepath.IsAbs(src.SlidesDir) {
		t.Fatalf("dataset source paths must be absolute: %s", src.SlidesDir)
	}
	if _, err := p.Dataset(0, 302); err == nil {
		t.Fatalf("invalid tile geometry should error")
	}
}
