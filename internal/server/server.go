// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package server exposes trained models over HTTP: tile images go in,
// class probabilities come out.
package server

import (
	"bytes"
	"image"
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/train"
)

// maxUploadBytes caps tile uploads; tiles are small.
const maxUploadBytes = 16 << 20

// Server serves model predictions and slide inventory.
type Server struct {
	modelsDir string
	store     db.Store

	mu     sync.Mutex
	models map[string]*train.Model // lazily loaded by name
}

// New creates a server over a model checkpoint directory. store may be nil
// when no database is configured; the slide inventory is then disabled.
func New(modelsDir string, store db.Store) *Server {
	return &Server{
		modelsDir: modelsDir,
		store:     store,
		models:    map[string]*train.Model{},
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/models", s.handleModels)
	r.POST("/predict/:model", s.handlePredict)
	r.GET("/slides", s.handleSlides)
	return r
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	logging.Infof("serving on %s (models: %s)", addr, s.modelsDir)
	return s.Router().Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// listModels scans the checkpoint directory.
func (s *Server) listModels() ([]string, error) {
	entries, err := os.ReadDir(s.modelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), train.CheckpointExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), train.CheckpointExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Server) handleModels(c *gin.Context) {
	names, err := s.listModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type modelInfo struct {
		Name    string   `json:"name"`
		Backend string   `json:"backend,omitempty"`
		Type    string   `json:"type,omitempty"`
		Classes []string `json:"classes,omitempty"`
	}
	infos := make([]modelInfo, 0, len(names))
	for _, name := range names {
		info := modelInfo{Name: name}
		if m, err := s.loadModel(name); err == nil {
			info.Backend = m.Backend
			info.Type = m.Hyper.ModelType
			info.Classes = m.Classes
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, gin.H{"models": infos})
}

func (s *Server) loadModel(name string) (*train.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[name]; ok {
		return m, nil
	}
	m, _, err := train.LoadCheckpoint(filepath.Join(s.modelsDir, name+train.CheckpointExt))
	if err != nil {
		return nil, err
	}
	s.models[name] = m
	return m, nil
}

func (s *Server) handlePredict(c *gin.Context) {
	name := c.Param("model")
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model name"})
		return
	}
	model, err := s.loadModel(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "model not found: " + name})
		return
	}

	fh, err := c.FormFile("tile")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'tile' is required"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "tile too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tile is not a decodable image"})
		return
	}

	pred, err := model.Predict(train.Featurize(img))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"model": name}
	if model.Hyper.ModelType == train.ModelLinear {
		resp["value"] = pred.Value
	} else {
		resp["class"] = model.Classes[pred.Class]
		resp["probabilities"] = pred.Probabilities
		resp["classes"] = model.Classes
		resp["uncertainty"] = pred.Uncertainty
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSlides(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no database configured"})
		return
	}
	slides, err := s.store.GetAllSlides()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slides": slides})
}
