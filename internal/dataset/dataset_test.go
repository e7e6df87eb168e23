package dataset

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pathscope/pathscope/internal/tfrecord"
)

const testCSV = `patient,slide,subtype,grade,age
P1,S1,lum_a,2,61
P1,S2,lum_a,3,61
P2,S3,lum_b,1,47
P3,S4,her2,3,55
P4,S5,her2,2,70
P5,S6,lum_b,,66
P6,S7,lum_a,1,52
P7,S8,her2,2,49
`

func writeAnnotations(t *testing.T, csv string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "annotations.csv")
	if err := os.WriteFile(path, []byte(csv), 0644); err != nil {
		t.Fatalf("write annotations: %v", err)
	}
	return path
}

func testDataset(t *testing.T) *Dataset {
	t.Helper()
	root := t.TempDir()
	src := Source{
		Label:        "main",
		SlidesDir:    filepath.Join(root, "slides"),
		TilesDir:     filepath.Join(root, "tiles"),
		TFRecordsDir: filepath.Join(root, "tfrecords"),
	}
	d, err := New(map[string]Source{"main": src}, 299, 302, writeAnnotations(t, testCSV))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestLoadAnnotations_Validation(t *testing.T) {
	if _, err := LoadAnnotations(writeAnnotations(t, "slide,subtype\nS1,lum_a\n")); err == nil {
		t.Fatalf("missing patient column should error")
	}
	if _, err := LoadAnnotations(writeAnnotations(t, "patient,slide\nP1,S1\nP2,S1\n")); err == nil {
		t.Fatalf("slide owned by two patients should error")
	}
	ann, err := LoadAnnotations(writeAnnotations(t, testCSV))
	if err != nil {
		t.Fatalf("LoadAnnotations: %v", err)
	}
	if len(ann.Rows) != 8 {
		t.Fatalf("expected 8 rows, got %d", len(ann.Rows))
	}
	if ann.Patients()["S3"] != "P2" {
		t.Fatalf("patient lookup wrong: %+v", ann.Patients())
	}
}

func TestFilter_NonDestructive(t *testing.T) {
	d := testDataset(t)
	filtered := d.Filter(map[string][]string{"subtype": {"her2"}})
	if got := filtered.Slides(); len(got) != 3 {
		t.Fatalf("her2 filter should keep 3 slides, got %v", got)
	}
	if got := d.Slides(); len(got) != 8 {
		t.Fatalf("filtering must not mutate the original view, got %v", got)
	}

	multi := d.Filter(map[string][]string{"subtype": {"lum_a", "lum_b"}, "grade": {"1"}})
	want := []string{"S3", "S7"}
	got := multi.Slides()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("combined filter wrong: got %v, want %v", got, want)
	}
}

func TestFilterBlank(t *testing.T) {
	d := testDataset(t)
	got := d.FilterBlank("grade").Slides()
	for _, s := range got {
		if s == "S6" {
			t.Fatalf("S6 has a blank grade and must be dropped: %v", got)
		}
	}
	if len(got) != 7 {
		t.Fatalf("expected 7 slides with grade, got %v", got)
	}
}

func TestRemoveAndClearFilters(t *testing.T) {
	d := testDataset(t).Filter(map[string][]string{"subtype": {"her2"}, "grade": {"2"}})
	if _, err := d.RemoveFilter("age"); err == nil {
		t.Fatalf("removing an unknown filter should error")
	}
	less, err := d.RemoveFilter("grade")
	if err != nil {
		t.Fatalf("RemoveFilter: %v", err)
	}
	if got := less.Slides(); len(got) != 3 {
		t.Fatalf("expected 3 her2 slides after removing grade filter, got %v", got)
	}
	if got := d.ClearFilters().Slides(); len(got) != 8 {
		t.Fatalf("ClearFilters should restore all slides, got %v", got)
	}
}

func TestLabels(t *testing.T) {
	d := testDataset(t)
	labels, uniques, err := d.Labels("subtype", false)
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}
	if len(uniques) != 3 || uniques[0] != "her2" || uniques[1] != "lum_a" || uniques[2] != "lum_b" {
		t.Fatalf("uniques wrong: %v", uniques)
	}
	if labels["S1"].Index != 1 || labels["S4"].Index != 0 {
		t.Fatalf("label indices wrong: %+v", labels)
	}

	floats, _, err := d.Labels("age", true)
	if err != nil {
		t.Fatalf("Labels float: %v", err)
	}
	if floats["S5"].Value != 70 {
		t.Fatalf("float label wrong: %+v", floats["S5"])
	}
	if _, _, err := d.Labels("subtype", true); err == nil {
		t.Fatalf("non-numeric column with useFloat should error")
	}
	if _, _, err := d.Labels("missing", false); err == nil {
		t.Fatalf("unknown column should error")
	}
}

func TestBalance(t *testing.T) {
	d := testDataset(t)
	weights, err := d.Balance("subtype")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	// Each of the 3 categories should sum to 1/3.
	sums := map[string]float64{}
	labels, _, _ := d.Labels("subtype", false)
	for s, w := range weights {
		sums[labels[s].Category] += w
	}
	for cat, sum := range sums {
		if sum < 0.33 || sum > 0.34 {
			t.Fatalf("category %s weight sum %f, want 1/3", cat, sum)
		}
	}
}

func tilePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func writeTestArchive(t *testing.T, dir, slideName string, n int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := tfrecord.NewWriter(filepath.Join(dir, slideName+tfrecord.Extension))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	img := tilePNG(t)
	for i := 0; i < n; i++ {
		if err := w.Write(&tfrecord.Tile{Slide: slideName, X: i, Y: 0, Format: "png", Image: img}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestManifestAndClip(t *testing.T) {
	d := testDataset(t)
	dir := d.Sources["main"].TFRecordPath()
	writeTestArchive(t, dir, "S1", 10)
	writeTestArchive(t, dir, "S3", 4)

	manifest, err := d.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(manifest) != 2 {
		t.Fatalf("expected 2 archives, got %+v", manifest)
	}
	total, err := d.NumTiles()
	if err != nil {
		t.Fatalf("NumTiles: %v", err)
	}
	if total != 14 {
		t.Fatalf("expected 14 tiles, got %d", total)
	}

	clipped, err := d.Clip(5).NumTiles()
	if err != nil {
		t.Fatalf("NumTiles clipped: %v", err)
	}
	if clipped != 9 {
		t.Fatalf("expected 9 tiles after clip(5), got %d", clipped)
	}
	unclipped, err := d.Clip(5).Unclip().NumTiles()
	if err != nil {
		t.Fatalf("NumTiles unclipped: %v", err)
	}
	if unclipped != 14 {
		t.Fatalf("expected 14 tiles after unclip, got %d", unclipped)
	}

	// Filters restrict the manifest as well.
	her2, err := d.Filter(map[string][]string{"subtype": {"lum_b"}}).NumTiles()
	if err != nil {
		t.Fatalf("NumTiles filtered: %v", err)
	}
	if her2 != 4 {
		t.Fatalf("lum_b filter should see only S3's 4 tiles, got %d", her2)
	}
}

func TestTrainingValidationSplit_KFold(t *testing.T) {
	d := testDataset(t)
	patients := d.Annotations().Patients()

	var folds [][]string
	seen := map[string]int{}
	for fold := 1; fold <= 3; fold++ {
		split, err := d.TrainingValidationSplit("subtype", SplitOptions{
			Strategy:  SplitKFold,
			K:         3,
			FoldIndex: fold,
			BalanceBy: "subtype",
			Seed:      7,
		})
		if err != nil {
			t.Fatalf("split fold %d: %v", fold, err)
		}
		folds = append(folds, split.Val)
		for _, s := range split.Val {
			seen[s]++
		}
		// Patient-level separation: no patient on both sides.
		trainP := map[string]bool{}
		for _, s := range split.Train {
			trainP[patients[s]] = true
		}
		for _, s := range split.Val {
			if trainP[patients[s]] {
				t.Fatalf("fold %d: patient %s on both sides", fold, patients[s])
			}
		}
	}
	if len(seen) != 8 {
		t.Fatalf("every slide should appear in exactly one validation fold: %v", seen)
	}
	for s, n := range seen {
		if n != 1 {
			t.Fatalf("slide %s in %d validation folds", s, n)
		}
	}
	_ = folds
}

func TestTrainingValidationSplit_Fixed(t *testing.T) {
	d := testDataset(t)
	split, err := d.TrainingValidationSplit("subtype", SplitOptions{
		Strategy:    SplitFixed,
		ValFraction: 0.3,
		Seed:        11,
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(split.Train) == 0 || len(split.Val) == 0 {
		t.Fatalf("both sides must be non-empty: %+v", split)
	}
	if len(split.Train)+len(split.Val) != 8 {
		t.Fatalf("split lost slides: %+v", split)
	}

	if _, err := d.TrainingValidationSplit("subtype", SplitOptions{Strategy: SplitFixed, ValFraction: 1.5}); err == nil {
		t.Fatalf("out-of-range fraction should error")
	}
	if _, err := d.TrainingValidationSplit("subtype", SplitOptions{Strategy: SplitKFold, K: 1, FoldIndex: 1}); err == nil {
		t.Fatalf("k < 2 should error")
	}
	if _, err := d.TrainingValidationSplit("subtype", SplitOptions{Strategy: "bootstrap"}); err == nil {
		t.Fatalf("unknown strategy should error")
	}
}
