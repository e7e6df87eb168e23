package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/train"
)

// trainTestModel fits a small model on separable features and saves it.
func trainTestModel(t *testing.T, dir, name string) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	var samples []train.Sample
	for i := 0; i < 60; i++ {
		label := i % 2
		feat := make([]float64, train.FeatureDim)
		for j := range feat {
			base := 0.2
			if label == 1 {
				base = 0.8
			}
			feat[j] = base + rng.Float64()*0.05
		}
		samples = append(samples, train.Sample{Features: feat, Label: label})
	}
	hp := train.DefaultHyperParams(16, 16)
	hp.Epochs = 40
	hp.LearningRate = 0.05
	hp.EarlyStop = false
	backend, err := train.ActiveBackend()
	require.NoError(t, err)
	model, history, err := train.Train(context.Background(), backend, hp, []string{"benign", "tumor"}, samples, nil)
	require.NoError(t, err)
	require.NoError(t, train.SaveCheckpoint(filepath.Join(dir, name+train.CheckpointExt), model, history))
}

func tileUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 210, G: 120, B: 160, A: 255})
		}
	}
	var imgBuf bytes.Buffer
	require.NoError(t, png.Encode(&imgBuf, img))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("tile", "tile.png")
	require.NoError(t, err)
	_, err = fw.Write(imgBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func testServer(t *testing.T, withStore bool) *Server {
	t.Helper()
	dir := t.TempDir()
	trainTestModel(t, dir, "subtype-v1")
	var store db.Store
	if withStore {
		var err error
		store, err = db.NewStoreFromDSN("sqlite", ":memory:")
		require.NoError(t, err)
	}
	return New(dir, store)
}

func TestHealthz(t *testing.T) {
	router := testServer(t, false).Router()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestModels(t *testing.T) {
	router := testServer(t, false).Router()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/models", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Models []struct {
			Name    string   `json:"name"`
			Classes []string `json:"classes"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Models, 1)
	assert.Equal(t, "subtype-v1", resp.Models[0].Name)
	assert.Equal(t, []string{"benign", "tumor"}, resp.Models[0].Classes)
}

func TestPredict(t *testing.T) {
	router := testServer(t, false).Router()
	body, contentType := tileUpload(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/predict/subtype-v1", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Class         string    `json:"class"`
		Probabilities []float64 `json:"probabilities"`
		Uncertainty   float64   `json:"uncertainty"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, []string{"benign", "tumor"}, resp.Class)
	require.Len(t, resp.Probabilities, 2)
	assert.InDelta(t, 1.0, resp.Probabilities[0]+resp.Probabilities[1], 1e-6)
	assert.GreaterOrEqual(t, resp.Uncertainty, 0.0)
	assert.LessOrEqual(t, resp.Uncertainty, 1.0)
}

func TestPredict_Errors(t *testing.T) {
	router := testServer(t, false).Router()

	// Unknown model.
	body, contentType := tileUpload(t)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/predict/nope", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing upload field.
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/predict/subtype-v1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Garbage image bytes.
	var junk bytes.Buffer
	mw := multipart.NewWriter(&junk)
	fw, _ := mw.CreateFormFile("tile", "tile.png")
	_, _ = fw.Write([]byte("not an image"))
	_ = mw.Close()
	w = httptest.NewRecorder()
	req, _ = http.NewRequest(http.MethodPost, "/predict/subtype-v1", &junk)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSlides(t *testing.T) {
	srv := testServer(t, true)
	_, err := srv.store.AddSlide("S1", "/data/S1.svs", "default", 40000, 30000, 0.25)
	require.NoError(t, err)

	router := srv.Router()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/slides", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "S1")
}

func TestSlides_NoStore(t *testing.T) {
	router := testServer(t, false).Router()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/slides", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
