package artifact

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Compile-time interface assertion.
var _ Store = (*FileStore)(nil)

// FileStore writes artifacts below a local directory.
//
// URLs are file:// URLs unless a base URL is configured, in which case the
// object name is appended to it (for a static file server in front of dir).
type FileStore struct {
	dir     string
	baseURL string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create dir: %w", err)
	}
	return &FileStore{dir: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put implements [Store]. The object is written to a temporary file first and
// renamed into place so readers never observe a partial file.
func (s *FileStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("artifact: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("artifact: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("artifact: publish %s: %w", name, err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + name, nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}).String(), nil
}
