package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fileutil"
)

// SnapshotFile keeps the session checkpoint in a single JSON file. It
// implements crawler.SnapshotStore.
type SnapshotFile struct {
	Path string
}

// NewSnapshotFile returns a SnapshotFile at path.
func NewSnapshotFile(path string) *SnapshotFile {
	return &SnapshotFile{Path: path}
}

// WriteSnapshot replaces the checkpoint atomically, so a crash mid-write
// leaves the previous checkpoint intact.
func (s *SnapshotFile) WriteSnapshot(_ context.Context, snapshot crawler.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.Path, data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads the checkpoint. It returns crawler.ErrSnapshotNotFound
// when the file does not exist.
func (s *SnapshotFile) ReadSnapshot(_ context.Context) (crawler.Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return crawler.Snapshot{}, crawler.ErrSnapshotNotFound
	}
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot crawler.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snapshot.Version != crawler.SnapshotVersion {
		return crawler.Snapshot{}, fmt.Errorf("unsupported snapshot version %d", snapshot.Version)
	}
	return snapshot, nil
}
