package config

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// FileLoader reads artifacts from disk relative to a base directory, or
// over HTTP for http(s) URLs. It implements engine.Loader.
type FileLoader struct {
	// BaseDir resolves relative paths.
	BaseDir string

	// HTTPClient fetches remote artifacts. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewFileLoader creates a loader rooted at baseDir.
func NewFileLoader(baseDir string) *FileLoader {
	return &FileLoader{BaseDir: baseDir}
}

// Load implements engine.Loader.
func (l *FileLoader) Load(ctx context.Context, path string) ([]byte, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return l.fetch(ctx, path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(l.BaseDir, full)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, engine.NewIOError(path, err)
	}
	return data, nil
}

func (l *FileLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	client := l.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NewIOError(url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, engine.NewIOError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, engine.NewIOError(url, os.ErrNotExist)
	}
	if resp.StatusCode >= 400 {
		return nil, engine.NewIOError(url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewIOError(url, err)
	}
	return data, nil
}

var _ engine.Loader = (*FileLoader)(nil)
