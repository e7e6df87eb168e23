package tfrecord

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func sampleTiles(n int) []*Tile {
	tiles := make([]*Tile, 0, n)
	for i := 0; i < n; i++ {
		tiles = append(tiles, &Tile{
			Slide:  "TCGA-01",
			X:      i * 299,
			Y:      i * 598,
			Format: "png",
			Image:  bytes.Repeat([]byte{byte(i)}, 64+i),
		})
	}
	return tiles
}

func writeArchive(t *testing.T, path string, tiles []*Tile, opts ...WriterOption) {
	t.Helper()
	w, err := NewWriter(path, opts...)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, tile := range tiles {
		if err := w.Write(tile); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readAll(t *testing.T, path string) []*Tile {
	t.Helper()
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	var out []*Tile
	for {
		tile, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, tile)
	}
}

func TestWriteRead_Plain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1"+Extension)
	tiles := sampleTiles(5)
	writeArchive(t, path, tiles)

	got := readAll(t, path)
	if len(got) != 5 {
		t.Fatalf("expected 5 records, got %d", len(got))
	}
	for i, tile := range got {
		if tile.Slide != "TCGA-01" || tile.X != i*299 || tile.Y != i*598 {
			t.Fatalf("record %d mismatch: %+v", i, tile)
		}
		if !bytes.Equal(tile.Image, tiles[i].Image) {
			t.Fatalf("record %d image bytes mismatch", i)
		}
	}
}

func TestWriteRead_Compressed(t *testing.T) {
	for _, suffix := range []string{".gz", ".zst"} {
		path := filepath.Join(t.TempDir(), "s1"+Extension+suffix)
		writeArchive(t, path, sampleTiles(3))
		got := readAll(t, path)
		if len(got) != 3 {
			t.Fatalf("%s: expected 3 records, got %d", suffix, len(got))
		}
	}
}

func TestShuffleWriter_PreservesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1"+Extension)
	writeArchive(t, path, sampleTiles(20), WithShuffle(42))

	got := readAll(t, path)
	if len(got) != 20 {
		t.Fatalf("expected 20 records, got %d", len(got))
	}
	seen := make(map[int]bool)
	for _, tile := range got {
		seen[tile.X/299] = true
	}
	if len(seen) != 20 {
		t.Fatalf("shuffle lost records: %d unique", len(seen))
	}
}

func TestReader_DetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s1"+Extension)
	writeArchive(t, path, sampleTiles(1))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Flip a byte inside the payload region.
	data[20] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if _, err := r.Next(); err == nil || err == io.EOF {
		t.Fatalf("corrupted record should fail checksum, got %v", err)
	}
}

func TestEncodePayload_UnknownFormat(t *testing.T) {
	if _, err := encodePayload(&Tile{Slide: "s", Format: "webp"}); err == nil {
		t.Fatalf("unknown format should error")
	}
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, filepath.Join(dir, "s1"+Extension), sampleTiles(4))
	writeArchive(t, filepath.Join(dir, "s2"+Extension+".gz"), sampleTiles(2))
	// Unfinished archives are ignored.
	if err := os.WriteFile(filepath.Join(dir, "s3"+Extension+UnfinishedSuffix), nil, 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	manifest, err := UpdateManifest(dir)
	if err != nil {
		t.Fatalf("UpdateManifest: %v", err)
	}
	if len(manifest) != 2 {
		t.Fatalf("expected 2 manifest entries, got %d: %+v", len(manifest), manifest)
	}
	if manifest["s1"+Extension].Total != 4 {
		t.Fatalf("s1 count wrong: %+v", manifest)
	}
	if manifest["s2"+Extension+".gz"].Total != 2 {
		t.Fatalf("s2 count wrong: %+v", manifest)
	}

	// ReadManifest should load the persisted file.
	loaded, err := ReadManifest(dir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if loaded["s1"+Extension].Total != 4 {
		t.Fatalf("loaded manifest wrong: %+v", loaded)
	}
}

func TestArchiveName(t *testing.T) {
	for in, want := range map[string]string{
		"a/b/TCGA-01.tfrecord":     "TCGA-01",
		"TCGA-01.tfrecord.zst":     "TCGA-01",
		"x/TCGA-01.tfrecord.gz":    "TCGA-01",
		"plain" + Extension:        "plain",
	} {
		if got := ArchiveName(in); got != want {
			t.Fatalf("ArchiveName(%q) = %q, want %q", in, got, want)
		}
	}
}
