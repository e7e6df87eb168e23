package tile

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pathscope/pathscope/internal/tfrecord"
)

// writeTestSlide renders a 256x256 slide: tissue-red on the left half,
// white background on the right half.
func writeTestSlide(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			if x < 128 {
				img.SetRGBA(x, y, color.RGBA{R: 190, G: 60, B: 90, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	path := filepath.Join(dir, name+".png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create slide: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode slide: %v", err)
	}
	return path
}

func countArchive(t *testing.T, path string) int {
	t.Helper()
	r, err := tfrecord.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	n := 0
	for {
		if _, err := r.Next(); err != nil {
			return n
		}
		n++
	}
}

func baseParams() Params {
	p := DefaultParams(32, 64)
	p.ROIMethod = ROIIgnore
	p.ImgFormat = "png"
	p.Workers = 2
	// The whitespace filter ships disabled; the grid tests exercise it.
	p.WhitespaceFraction = 0.95
	return p
}

func TestQCFraction_OneDisablesFilter(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}

	q := qcFilter{
		whitespaceFraction:  1.0,
		whitespaceThreshold: DefaultWhitespaceThreshold,
		grayspaceFraction:   1.0,
		grayspaceThreshold:  DefaultGrayspaceThreshold,
	}
	if got := q.check(img); got != QCPass {
		t.Fatalf("fraction 1.0 must disable filtering, got %v", got)
	}

	q.whitespaceFraction = 0.95
	if got := q.check(img); got != QCWhitespace {
		t.Fatalf("fraction below 1.0 must reject a white tile, got %v", got)
	}
}

func TestExtractSlide_QCFiltersWhitespace(t *testing.T) {
	dir := t.TempDir()
	slidePath := writeTestSlide(t, dir, "S1")
	outDir := filepath.Join(dir, "tfrecords")

	var lastDone, lastTotal int
	report, err := ExtractSlide(context.Background(), slidePath, outDir, "", baseParams(), func(done, total int) {
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("ExtractSlide: %v", err)
	}

	// 256/64 = 4x4 grid; the right half (8 tiles) is whitespace.
	if report.Grid != 16 {
		t.Fatalf("expected 16 grid locations, got %d", report.Grid)
	}
	if report.Kept != 8 || report.Whitespace != 8 {
		t.Fatalf("unexpected QC outcome: %+v", report)
	}
	if lastDone != 16 || lastTotal != 16 {
		t.Fatalf("progress callback incomplete: %d/%d", lastDone, lastTotal)
	}
	if countArchive(t, report.Archive) != 8 {
		t.Fatalf("archive record count does not match report")
	}
	if strings.HasSuffix(report.Archive, tfrecord.UnfinishedSuffix) {
		t.Fatalf("archive was not renamed: %s", report.Archive)
	}
}

func TestExtractSlide_GrayspaceFilter(t *testing.T) {
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	path := filepath.Join(dir, "gray.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	report, err := ExtractSlide(context.Background(), path, filepath.Join(dir, "out"), "", baseParams(), nil)
	if err != nil {
		t.Fatalf("ExtractSlide: %v", err)
	}
	if report.Kept != 0 || report.Grayspace != 4 {
		t.Fatalf("gray slide should be fully rejected as grayspace: %+v", report)
	}
}

func TestExtractSlide_ROIInside(t *testing.T) {
	dir := t.TempDir()
	slidePath := writeTestSlide(t, dir, "S1")

	// Polygon covering the left half of the slide.
	roiPath := filepath.Join(dir, "S1.csv")
	roiCSV := "roi_name,x_base,y_base\n" +
		"tumor,0,0\n" +
		"tumor,128,0\n" +
		"tumor,128,256\n" +
		"tumor,0,256\n"
	if err := os.WriteFile(roiPath, []byte(roiCSV), 0644); err != nil {
		t.Fatalf("write roi: %v", err)
	}

	p := baseParams()
	p.ROIMethod = ROIInside
	report, err := ExtractSlide(context.Background(), slidePath, filepath.Join(dir, "out"), roiPath, p, nil)
	if err != nil {
		t.Fatalf("ExtractSlide: %v", err)
	}
	if report.ROIFiltered != 8 {
		t.Fatalf("expected 8 tiles outside the ROI, got %+v", report)
	}
	if report.Kept != 8 || report.Whitespace != 0 {
		t.Fatalf("tiles inside the ROI are all tissue: %+v", report)
	}

	p.ROIMethod = ROIOutside
	report, err = ExtractSlide(context.Background(), slidePath, filepath.Join(dir, "out2"), roiPath, p, nil)
	if err != nil {
		t.Fatalf("ExtractSlide outside: %v", err)
	}
	if report.ROIFiltered != 8 || report.Whitespace != 8 || report.Kept != 0 {
		t.Fatalf("outside method should see only whitespace: %+v", report)
	}
}

func TestExtractSlide_SkipMissingROI(t *testing.T) {
	dir := t.TempDir()
	slidePath := writeTestSlide(t, dir, "S1")
	outDir := filepath.Join(dir, "out")

	p := baseParams()
	p.ROIMethod = ROIInside
	p.SkipMissingROI = true
	report, err := ExtractSlide(context.Background(), slidePath, outDir, "", p, nil)
	if err != nil {
		t.Fatalf("ExtractSlide: %v", err)
	}
	if !report.Skipped || report.Archive != "" || report.Kept != 0 {
		t.Fatalf("slide without ROIs should be skipped: %+v", report)
	}
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Fatalf("skipped slide must not leave an archive dir behind")
	}

	// Without the flag, the whole slide is extracted.
	p.SkipMissingROI = false
	report, err = ExtractSlide(context.Background(), slidePath, outDir, "", p, nil)
	if err != nil {
		t.Fatalf("ExtractSlide: %v", err)
	}
	if report.Skipped || report.Kept != 8 {
		t.Fatalf("missing ROI without the flag should extract the slide: %+v", report)
	}
}

func TestExtractSlide_Normalized(t *testing.T) {
	dir := t.TempDir()
	slidePath := writeTestSlide(t, dir, "S1")
	p := baseParams()
	p.Normalizer = "reinhard"
	report, err := ExtractSlide(context.Background(), slidePath, filepath.Join(dir, "out"), "", p, nil)
	if err != nil {
		t.Fatalf("ExtractSlide: %v", err)
	}
	if report.Kept != 8 {
		t.Fatalf("normalization must not change QC outcome: %+v", report)
	}
}

func TestParamsHash(t *testing.T) {
	a := DefaultParams(299, 302)
	b := DefaultParams(299, 302)
	if a.Hash() != b.Hash() {
		t.Fatalf("identical params should hash equal")
	}
	b.StrideDiv = 2
	if a.Hash() == b.Hash() {
		t.Fatalf("different stride should change the hash")
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams(299, 302)
	p.ROIMethod = "nearest"
	if err := p.validate(); err == nil {
		t.Fatalf("bad roi method should error")
	}
	p = DefaultParams(299, 302)
	p.ImgFormat = "webp"
	if err := p.validate(); err == nil {
		t.Fatalf("bad image format should error")
	}
	p = DefaultParams(0, 302)
	if err := p.validate(); err == nil {
		t.Fatalf("zero tile_px should error")
	}
}

func TestRemoveUnfinishedAndHasArchive(t *testing.T) {
	dir := t.TempDir()
	stale := "S9" + tfrecord.Extension + tfrecord.UnfinishedSuffix
	if err := os.WriteFile(filepath.Join(dir, stale), nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "S8"+tfrecord.Extension), nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	removed, err := RemoveUnfinished(dir)
	if err != nil {
		t.Fatalf("RemoveUnfinished: %v", err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("expected only the stale marker removed, got %v", removed)
	}
	if !HasArchive(dir, "S8") {
		t.Fatalf("finished archive should be detected")
	}
	if HasArchive(dir, "S9") {
		t.Fatalf("removed unfinished archive must not count")
	}
}
