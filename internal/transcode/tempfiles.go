package transcode

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// TempSet tracks the temp files and directories of one operation so they
// can be removed together. Names are {op}-{ulid}{ext}, unique across
// concurrently queued operations.
type TempSet struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	paths []string
	keep  map[string]bool
}

// NewTempSet creates a set rooted at dir.
func NewTempSet(dir string, logger *slog.Logger) *TempSet {
	return &TempSet{
		dir:    dir,
		logger: logger,
		keep:   make(map[string]bool),
	}
}

// Path reserves a unique path without creating it. The path is still
// removed by Cleanup if something creates it.
func (t *TempSet) Path(op, ext string) (string, error) {
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	p := filepath.Join(t.dir, op+"-"+strings.ToLower(ulid.Make().String())+ext)
	t.track(p)
	return p, nil
}

// Create opens a new empty temp file.
func (t *TempSet) Create(op, ext string) (*os.File, error) {
	p, err := t.Path(op, ext)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// Dir creates a new temp directory.
func (t *TempSet) Dir(op string) (string, error) {
	p, err := t.Path(op, "")
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(p, 0755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return p, nil
}

// Keep excludes paths from Cleanup, for post-mortem inspection.
func (t *TempSet) Keep(paths ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		t.keep[p] = true
	}
}

// Release removes a tracked path immediately and stops tracking it.
// Untracked paths are left alone.
func (t *TempSet) Release(path string) {
	t.mu.Lock()
	tracked := false
	for i, p := range t.paths {
		if p == path {
			t.paths = append(t.paths[:i], t.paths[i+1:]...)
			tracked = true
			break
		}
	}
	t.mu.Unlock()
	if tracked {
		t.remove(path)
	}
}

// Paths returns every tracked path.
func (t *TempSet) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.paths))
	copy(out, t.paths)
	return out
}

// Cleanup removes every tracked path not marked Keep. Safe to call more
// than once.
func (t *TempSet) Cleanup() {
	t.mu.Lock()
	var remove, kept []string
	for _, p := range t.paths {
		if t.keep[p] {
			kept = append(kept, p)
		} else {
			remove = append(remove, p)
		}
	}
	t.paths = kept
	t.mu.Unlock()

	for _, p := range remove {
		t.remove(p)
	}
	if len(kept) > 0 {
		t.logger.Info("temp files kept for inspection", "paths", kept)
	}
}

func (t *TempSet) track(p string) {
	t.mu.Lock()
	t.paths = append(t.paths, p)
	t.mu.Unlock()
}

func (t *TempSet) remove(p string) {
	if err := os.RemoveAll(p); err != nil {
		t.logger.Warn("cannot remove temp path", "path", p, "error", err)
	}
}
