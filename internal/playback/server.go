// Package playback serves finished clip files with HTTP byte-range support
// so players can seek without downloading the whole clip.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/cloud"
	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// ErrOutsideRoots is returned for paths outside every allowed directory.
var ErrOutsideRoots = errors.New("path is outside the served directories")

// ClipServer writes clip files to HTTP responses.
type ClipServer interface {
	ServeClip(w http.ResponseWriter, r *http.Request, path string) error
}

// Server serves files that live under one of its roots.
type Server struct {
	roots  []string
	logger *slog.Logger
}

// NewServer creates a server limited to roots. With no roots every
// absolute path is allowed.
func NewServer(logger *slog.Logger, roots ...string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r != "" {
			clean = append(clean, filepath.Clean(r))
		}
	}
	return &Server{roots: clean, logger: logging.WithComponent(logger, "playback")}
}

// Allowed reports whether path may be served.
func (s *Server) Allowed(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	path = filepath.Clean(path)
	if len(s.roots) == 0 {
		return true
	}
	for _, root := range s.roots {
		if rel, err := filepath.Rel(root, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// ServeClip answers GET and HEAD for path. Missing files get 404 and bad
// ranges 416; both are written here and reported as nil. Other errors are
// returned before anything is written.
func (s *Server) ServeClip(w http.ResponseWriter, r *http.Request, path string) error {
	if !s.Allowed(path) {
		return ErrOutsideRoots
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "clip file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open clip: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat clip: %w", err)
	}
	if info.IsDir() {
		http.Error(w, "clip file not found", http.StatusNotFound)
		return nil
	}
	size := info.Size()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", cloud.ContentType(path))
	h.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(path)))
	h.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	br, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// Malformed ranges are ignored and the whole file is sent.
		br = nil
	}

	start, length, status := int64(0), size, http.StatusOK
	if br != nil {
		start, length, status = br.Start, br.Length(), http.StatusPartialContent
		h.Set("Content-Range", br.ContentRange(size))
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("seek clip: %w", err)
	}

	begin := time.Now()
	n, err := io.CopyN(w, file, length)
	if err != nil {
		// The client went away mid-transfer; nothing more can be written.
		s.logger.Debug("clip transfer interrupted", "path", logging.SanitizePath(path), "sent_bytes", n, "error", err)
		return nil
	}
	s.logger.Debug("clip served", "path", logging.SanitizePath(path), "bytes", n, "status", status,
		"duration_ms", time.Since(begin).Milliseconds())
	return nil
}
