package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore copies objects into a directory tree. Metadata is written beside
// each object as {key}.meta.json.
type FSStore struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
}

// NewFSStore stores under root on fs. Use afero.NewOsFs() in production.
func NewFSStore(fs afero.Fs, root string, logger *slog.Logger) *FSStore {
	return &FSStore{fs: fs, root: root, logger: logger}
}

type objectMeta struct {
	Key         string            `json:"key"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (s *FSStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(dst), "."+path.Base(key)+"-*")
	if err != nil {
		return "", fmt.Errorf("create object temp: %w", err)
	}
	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short object body: wrote %d of %d bytes", written, size)
	}
	if err != nil {
		s.fs.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := s.fs.Rename(tmp.Name(), dst); err != nil {
		s.fs.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}

	meta, _ := json.MarshalIndent(objectMeta{
		Key:         key,
		ContentType: contentType,
		Size:        written,
		Metadata:    metadata,
	}, "", "  ")
	if err := afero.WriteFile(s.fs, dst+".meta.json", meta, 0644); err != nil {
		s.logger.Warn("cannot write object metadata", "key", key, "error", err)
	}

	u := (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String()
	s.logger.Info("object stored", "key", key, "size_bytes", written, "url", u)
	return u, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
