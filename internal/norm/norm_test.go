package norm

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func uniformImage(c color.RGBA, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func gradientImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(200 + x%50), G: uint8(100 + y%50), B: 150, A: 255})
		}
	}
	return img
}

func TestNew_Methods(t *testing.T) {
	for _, m := range []string{"", "none", "reinhard", "reinhard-fast"} {
		if _, err := New(m); err != nil {
			t.Fatalf("New(%q): %v", m, err)
		}
	}
	if _, err := New("macenko"); err == nil {
		t.Fatalf("unknown method should error")
	}
}

func TestPassthrough(t *testing.T) {
	n, _ := New("none")
	img := gradientImage(8, 8)
	if out := n.Transform(img); out != image.Image(img) {
		t.Fatalf("passthrough must return the input unchanged")
	}
}

func TestReinhard_MatchesFitSource(t *testing.T) {
	n, _ := New("reinhard")
	// Fit on a pinkish reference, as in H&E.
	ref := uniformImage(color.RGBA{R: 220, G: 160, B: 200, A: 255}, 16, 16)
	if err := n.Fit(ref); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	tile := gradientImage(16, 16)
	out := n.Transform(tile)

	refStats, err := computeLabStats(ref)
	if err != nil {
		t.Fatalf("computeLabStats(ref): %v", err)
	}
	outStats, err := computeLabStats(out)
	if err != nil {
		t.Fatalf("computeLabStats(out): %v", err)
	}
	// Channel means should land near the reference; clamping and 8-bit
	// quantization allow small drift.
	for i := 0; i < 3; i++ {
		if math.Abs(outStats.mean[i]-refStats.mean[i]) > 0.1 {
			t.Fatalf("channel %d mean %f too far from reference %f", i, outStats.mean[i], refStats.mean[i])
		}
	}
}

func TestReinhard_OutputSize(t *testing.T) {
	n, _ := New("reinhard-fast")
	tile := gradientImage(32, 24)
	out := n.Transform(tile)
	if out.Bounds().Dx() != 32 || out.Bounds().Dy() != 24 {
		t.Fatalf("transform changed dimensions: %v", out.Bounds())
	}
}

func TestFit_EmptyImage(t *testing.T) {
	n, _ := New("reinhard")
	if err := n.Fit(image.NewRGBA(image.Rect(0, 0, 0, 0))); err == nil {
		t.Fatalf("fitting an empty image should error")
	}
}
