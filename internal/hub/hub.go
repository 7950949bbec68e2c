// Package hub fetches model artifacts by repo id and relative path,
// yielding a local file path, independent of the encoder/scorer core.
// Intentionally minimal — just enough to run the rest of the module
// end to end against a local cache.
package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// ArtifactSource resolves a (repoID, relPath) pair to a local file path,
// fetching and caching on a miss.
type ArtifactSource interface {
	Fetch(ctx context.Context, repoID, relPath string) (string, error)
}

// CachingSource is the default ArtifactSource: a local directory cache
// backed by a single HTTP GET per miss, modeled on the Rust original's
// hf_hub::api::sync::Api (fetch once, reuse the cached file forever).
type CachingSource struct {
	cacheDir string
	baseURL  string
	client   *http.Client
	log      *slog.Logger
}

// NewCachingSource creates a CachingSource rooted at cacheDir, fetching
// misses from baseURL/<repoID>/resolve/main/<relPath>.
func NewCachingSource(cacheDir, baseURL string) *CachingSource {
	return &CachingSource{
		cacheDir: cacheDir,
		baseURL:  baseURL,
		client:   &http.Client{},
		log:      slog.Default().With("component", "hub"),
	}
}

// Fetch implements ArtifactSource.
func (c *CachingSource) Fetch(ctx context.Context, repoID, relPath string) (string, error) {
	dest := filepath.Join(c.cacheDir, repoID, filepath.FromSlash(relPath))
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("mkdir cache dir for %s/%s: %w", repoID, relPath, err)
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repoID, relPath)
	c.log.Debug("fetching artifact", "repo_id", repoID, "rel_path", relPath, "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s: artifact not found at %s", repoID, url)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file for %s: %w", dest, err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file for %s: %w", dest, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("install %s: %w", dest, err)
	}

	c.log.Info("fetched artifact", "repo_id", repoID, "rel_path", relPath)
	return dest, nil
}

// LocalSource resolves artifacts from a directory tree laid out as
// <dir>/<repoID>/<relPath>, with no network access. This is what the CLI
// uses by default so `osgrep index` works fully offline against a
// pre-populated --model-dir.
type LocalSource struct {
	dir string
}

// NewLocalSource creates a LocalSource rooted at dir.
func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{dir: dir}
}

// Fetch implements ArtifactSource.
func (l *LocalSource) Fetch(ctx context.Context, repoID, relPath string) (string, error) {
	path := filepath.Join(l.dir, repoID, filepath.FromSlash(relPath))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%s/%s not found under %s: %w", repoID, relPath, l.dir, err)
	}
	return path, nil
}

// FetchFirst tries each relPath candidate in order and returns the first
// that succeeds, or the last error if none do. Used for the ColBERT
// int8-preferred / fp32-fallback model path.
func FetchFirst(ctx context.Context, src ArtifactSource, repoID string, candidates ...string) (string, error) {
	var lastErr error
	for _, rel := range candidates {
		path, err := src.Fetch(ctx, repoID, rel)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("no candidate artifact found for %s: %w", repoID, lastErr)
}
