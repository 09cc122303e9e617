// Package local implements the persistence boundary on the local filesystem:
// content-addressed HTML files, the link data export and the session
// snapshot.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/sitecrawler/internal/compress"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fileutil"
	"github.com/JakeFAU/sitecrawler/internal/hash"
)

// Config captures the parameters for the local filesystem stores.
type Config struct {
	// BaseDir is the root directory where pages will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// HTMLStore writes page bodies named by the sha256 of their content.
// It implements crawler.HTMLWriter.
type HTMLStore struct {
	baseDir string
	hasher  crawler.Hasher
}

// New creates a new local filesystem-backed HTML store.
func New(cfg Config) (*HTMLStore, error) {
	if err := fileutil.EnsureDir(cfg.BaseDir); err != nil {
		return nil, fmt.Errorf("init html dir: %w", err)
	}

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &HTMLStore{
		baseDir: cfg.BaseDir,
		hasher:  hash.NewSHA256(),
	}, nil
}

// WriteHTML stores body as <sha256>.html, or <sha256>.html.gz when compressed
// is set, and returns a file:// URI. The hash is taken over the uncompressed
// body. An existing file with the same name is never overwritten.
func (s *HTMLStore) WriteHTML(_ context.Context, _ string, body []byte, compressed bool) (string, error) {
	digest, err := s.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	name := digest + ".html"
	data := body
	if compressed {
		name += ".gz"
		if data, err = compress.Gzip(body); err != nil {
			return "", fmt.Errorf("compress body: %w", err)
		}
	}

	fullPath := filepath.Join(s.baseDir, name)
	if !fileutil.Within(s.baseDir, fullPath) {
		return "", fmt.Errorf("path traversal detected")
	}
	if _, err := fileutil.WriteFileExclusive(fullPath, data); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
