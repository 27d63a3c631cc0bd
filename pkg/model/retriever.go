// Package model provides ModelRetriever implementations for resolving model
// IDs to whisper model files.
package model

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
)

// Static resolves model IDs from a fixed in-memory map. Useful when the
// caller manages model files itself or embeds model bytes.
type Static struct {
	mu     sync.RWMutex
	models map[string]transcriber.ModelLocation
}

func NewStatic() *Static {
	return &Static{models: map[string]transcriber.ModelLocation{}}
}

// AddFile registers a model ID backed by a file on disk.
func (s *Static) AddFile(id, path string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[id] = transcriber.ModelLocation{Path: path}
	return s
}

// AddBuffer registers a model ID backed by in-memory bytes.
func (s *Static) AddBuffer(id string, buf []byte) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[id] = transcriber.ModelLocation{Buffer: buf}
	return s
}

func (s *Static) Retrieve(modelID string) (transcriber.ModelLocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.models[modelID]
	return loc, ok
}

// Dir resolves model IDs against a directory of ggml model files: the ID
// "tiny.en" maps to "<dir>/tiny.en.bin". An ID that already names an
// existing file (absolute or relative) resolves to that file directly.
type Dir struct {
	dir string
}

func NewDir(dir string) *Dir {
	return &Dir{dir: dir}
}

func (d *Dir) Retrieve(modelID string) (transcriber.ModelLocation, bool) {
	if info, err := os.Stat(modelID); err == nil && !info.IsDir() {
		return transcriber.ModelLocation{Path: modelID}, true
	}
	path := filepath.Join(d.dir, modelID+".bin")
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return transcriber.ModelLocation{Path: path}, true
	}
	return transcriber.ModelLocation{}, false
}
