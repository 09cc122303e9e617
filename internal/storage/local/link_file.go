package local

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fileutil"
)

// LinkFile writes the link graph as JSON into Dir, one file per seed host
// named like example_com.json. It implements crawler.LinkWriter.
type LinkFile struct {
	Dir string
}

// NewLinkFile returns a LinkFile rooted at dir.
func NewLinkFile(dir string) *LinkFile {
	return &LinkFile{Dir: dir}
}

// Path returns the file the graph for host is written to.
func (l *LinkFile) Path(host string) string {
	return filepath.Join(l.Dir, crawler.FileSafeHost(host)+".json")
}

// WriteLinkData replaces the export for graph.Host atomically.
func (l *LinkFile) WriteLinkData(_ context.Context, graph crawler.LinkGraph) error {
	if graph.Host == "" {
		return fmt.Errorf("link graph host is required")
	}
	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal link graph: %w", err)
	}
	if err := fileutil.WriteFileAtomic(l.Path(graph.Host), data); err != nil {
		return fmt.Errorf("write link data: %w", err)
	}
	return nil
}
