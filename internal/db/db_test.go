package db

import (
	"bytes"
	"testing"

	"github.com/pathscope/pathscope/internal/model"
)

// newTestStore returns a fresh in-memory sqlite store.
func newTestStore(t *testing.T) *BunStore {
	t.Helper()
	s, err := NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	return s.(*BunStore)
}

func TestInitDB_SetsActiveStore(t *testing.T) {
	t.Cleanup(func() { SetStore(nil) })
	if err := InitDB("sqlite", ":memory:"); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	if !IsInitialized() || Active() == nil {
		t.Fatalf("InitDB should set the package-level store")
	}
}

func TestSlideLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddSlide("TCGA-01-0001", "/slides/TCGA-01-0001.svs", "TCGA-LUAD", 48000, 32000, 0.25)
	if err != nil {
		t.Fatalf("AddSlide: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero slide id")
	}

	sl, err := s.GetSlideByName("TCGA-01-0001")
	if err != nil {
		t.Fatalf("GetSlideByName: %v", err)
	}
	if sl == nil || sl.Width != 48000 || sl.MPP != 0.25 || !sl.IsActive {
		t.Fatalf("unexpected slide: %+v", sl)
	}

	if err := s.UpdateSlideMeta(id, 50000, 34000, 0.5); err != nil {
		t.Fatalf("UpdateSlideMeta: %v", err)
	}
	sl, _ = s.GetSlideByName("TCGA-01-0001")
	if sl.Width != 50000 || sl.MPP != 0.5 {
		t.Fatalf("meta update not persisted: %+v", sl)
	}

	if err := s.ToggleSlideStatus(id); err != nil {
		t.Fatalf("ToggleSlideStatus: %v", err)
	}
	sl, _ = s.GetSlideByName("TCGA-01-0001")
	if sl.IsActive {
		t.Fatalf("slide should be inactive after toggle")
	}

	if err := s.DeleteSlide(id); err != nil {
		t.Fatalf("DeleteSlide: %v", err)
	}
	sl, err = s.GetSlideByName("TCGA-01-0001")
	if err != nil {
		t.Fatalf("GetSlideByName after delete: %v", err)
	}
	if sl != nil {
		t.Fatalf("slide should be gone, got %+v", sl)
	}
}

func TestGetSlideByName_Missing(t *testing.T) {
	s := newTestStore(t)
	sl, err := s.GetSlideByName("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sl != nil {
		t.Fatalf("expected nil for missing slide")
	}
}

func TestExtractionRecords(t *testing.T) {
	s := newTestStore(t)

	e := model.Extraction{
		SlideName: "S1", TilePX: 299, TileUM: 302, StrideDiv: 1,
		TilesKept: 120, TilesGray: 10, TilesWhite: 30, TilesROI: 5,
		ParamsHash: "abc123", TFRecord: "/tfrecords/S1.tfrecord",
	}
	if _, err := s.RecordExtraction(e); err != nil {
		t.Fatalf("RecordExtraction: %v", err)
	}

	got, err := s.GetExtractionsForSlide("S1")
	if err != nil {
		t.Fatalf("GetExtractionsForSlide: %v", err)
	}
	if len(got) != 1 || got[0].TilesKept != 120 || got[0].Rejected() != 45 {
		t.Fatalf("unexpected extractions: %+v", got)
	}

	ok, err := s.HasExtraction("S1", "abc123")
	if err != nil || !ok {
		t.Fatalf("HasExtraction should be true, got %v, %v", ok, err)
	}
	ok, _ = s.HasExtraction("S1", "different")
	if ok {
		t.Fatalf("HasExtraction should be false for other params")
	}
}

func TestTrainingRuns(t *testing.T) {
	s := newTestStore(t)

	r := model.TrainingRun{
		Name: "luad-v1", Backend: "tensorflow",
		ParamsJSON: `{"tile_px":299}`, MetricsJSON: `{"loss":0.4}`,
		Checkpoint: "/models/luad-v1",
	}
	if _, err := s.RecordTrainingRun(r); err != nil {
		t.Fatalf("RecordTrainingRun: %v", err)
	}

	got, err := s.GetTrainingRunByName("luad-v1")
	if err != nil {
		t.Fatalf("GetTrainingRunByName: %v", err)
	}
	if got == nil || got.Backend != "tensorflow" || got.Checkpoint != "/models/luad-v1" {
		t.Fatalf("unexpected run: %+v", got)
	}

	all, err := s.GetAllTrainingRuns()
	if err != nil || len(all) != 1 {
		t.Fatalf("GetAllTrainingRuns: %v, %v", all, err)
	}
}

func TestKnownHosts(t *testing.T) {
	s := newTestStore(t)

	key, err := s.GetKnownHostKey("storage.lab")
	if err != nil {
		t.Fatalf("GetKnownHostKey: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key for unknown host")
	}

	if err := s.AddKnownHostKey("storage.lab", "ssh-ed25519 AAAA1"); err != nil {
		t.Fatalf("AddKnownHostKey: %v", err)
	}
	// Replacing an existing key must not error.
	if err := s.AddKnownHostKey("storage.lab", "ssh-ed25519 AAAA2"); err != nil {
		t.Fatalf("AddKnownHostKey replace: %v", err)
	}
	key, _ = s.GetKnownHostKey("storage.lab")
	if key != "ssh-ed25519 AAAA2" {
		t.Fatalf("unexpected key: %q", key)
	}
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	if err := s.LogAction("TEST_ACTION", "details here"); err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	entries, err := s.GetAllAuditLogEntries()
	if err != nil {
		t.Fatalf("GetAllAuditLogEntries: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == "TEST_ACTION" && e.Details == "details here" {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit entry not found in %+v", entries)
	}
}

func TestBackupRestoreRoundtrip(t *testing.T) {
	src := newTestStore(t)
	if _, err := src.AddSlide("S1", "/s/S1.tif", "lab", 100, 100, 1.0); err != nil {
		t.Fatalf("AddSlide: %v", err)
	}
	run := model.TrainingRun{
		Name: "m1", Backend: "torch", ParamsJSON: "{}",
		MetricsJSON: `{"loss":0.2}`, Checkpoint: "/models/m1",
	}
	if _, err := src.RecordTrainingRun(run); err != nil {
		t.Fatalf("RecordTrainingRun: %v", err)
	}
	ext := model.Extraction{
		SlideName: "S1", TilePX: 299, TileUM: 302, StrideDiv: 1,
		TilesKept: 42, ParamsHash: "h1", TFRecord: "/tfrecords/S1.tfrecord",
	}
	if _, err := src.RecordExtraction(ext); err != nil {
		t.Fatalf("RecordExtraction: %v", err)
	}
	if err := src.AddKnownHostKey("h1", "k1"); err != nil {
		t.Fatalf("AddKnownHostKey: %v", err)
	}
	if err := src.LogAction("BACKUP_TEST", "before export"); err != nil {
		t.Fatalf("LogAction: %v", err)
	}

	data, err := src.ExportAll()
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCompressedBackup(data, &buf); err != nil {
		t.Fatalf("WriteCompressedBackup: %v", err)
	}
	decoded, err := ReadCompressedBackup(&buf)
	if err != nil {
		t.Fatalf("ReadCompressedBackup: %v", err)
	}
	if len(decoded.Slides) != 1 || len(decoded.TrainingRuns) != 1 || len(decoded.KnownHosts) != 1 {
		t.Fatalf("roundtrip lost data: %+v", decoded)
	}
	if len(decoded.Extractions) != 1 || len(decoded.AuditLog) == 0 {
		t.Fatalf("roundtrip lost extractions or audit log: %+v", decoded)
	}

	dst := newTestStore(t)
	if err := dst.ImportAll(decoded, true); err != nil {
		t.Fatalf("ImportAll: %v", err)
	}
	sl, err := dst.GetSlideByName("S1")
	if err != nil || sl == nil {
		t.Fatalf("restored slide missing: %v, %v", sl, err)
	}
	got, err := dst.GetTrainingRunByName("m1")
	if err != nil || got == nil || got.Backend != "torch" {
		t.Fatalf("restored run missing: %+v, %v", got, err)
	}
	if got.MetricsJSON != `{"loss":0.2}` || got.Checkpoint != "/models/m1" {
		t.Fatalf("restored run lost fields: %+v", got)
	}
	exts, err := dst.GetExtractionsForSlide("S1")
	if err != nil || len(exts) != 1 {
		t.Fatalf("restored extractions missing: %+v, %v", exts, err)
	}
	if exts[0].TFRecord != "/tfrecords/S1.tfrecord" || exts[0].CompletedAt == "" {
		t.Fatalf("restored extraction lost fields: %+v", exts[0])
	}
	entries, err := dst.GetAllAuditLogEntries()
	if err != nil {
		t.Fatalf("GetAllAuditLogEntries: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == "BACKUP_TEST" && e.Details == "before export" {
			found = true
		}
	}
	if !found {
		t.Fatalf("restored audit log missing entry: %+v", entries)
	}
}
