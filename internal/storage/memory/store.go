// Package memory keeps pages, link data and snapshots in memory for tests
// and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// HTMLStore stores page bodies keyed by URL and returns pseudo URIs. It
// implements crawler.HTMLWriter.
type HTMLStore struct {
	mu    sync.RWMutex
	pages map[string][]byte
}

// NewHTMLStore creates a new in-memory HTML store.
func NewHTMLStore() *HTMLStore {
	return &HTMLStore{pages: make(map[string][]byte)}
}

// WriteHTML keeps a copy of body and returns a memory:// URI.
func (s *HTMLStore) WriteHTML(_ context.Context, pageURL string, body []byte, _ bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[pageURL] = append([]byte(nil), body...)
	return fmt.Sprintf("memory://%s", pageURL), nil
}

// Page returns the stored body for pageURL.
func (s *HTMLStore) Page(pageURL string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.pages[pageURL]
	return body, ok
}

// Len returns how many pages are stored.
func (s *HTMLStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// LinkStore records every exported link graph. It implements
// crawler.LinkWriter.
type LinkStore struct {
	mu     sync.Mutex
	graphs []crawler.LinkGraph
}

// NewLinkStore creates an empty LinkStore.
func NewLinkStore() *LinkStore {
	return &LinkStore{}
}

// WriteLinkData appends graph.
func (s *LinkStore) WriteLinkData(_ context.Context, graph crawler.LinkGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs = append(s.graphs, graph)
	return nil
}

// Graphs returns every graph written so far.
func (s *LinkStore) Graphs() []crawler.LinkGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.LinkGraph(nil), s.graphs...)
}

// SnapshotStore holds the latest snapshot as encoded JSON, so readers get a
// copy that shares nothing with the writer. It implements
// crawler.SnapshotStore.
type SnapshotStore struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// WriteSnapshot replaces the stored snapshot.
func (s *SnapshotStore) WriteSnapshot(_ context.Context, snapshot crawler.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.writes++
	return nil
}

// ReadSnapshot returns the stored snapshot or crawler.ErrSnapshotNotFound.
func (s *SnapshotStore) ReadSnapshot(_ context.Context) (crawler.Snapshot, error) {
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()
	if data == nil {
		return crawler.Snapshot{}, crawler.ErrSnapshotNotFound
	}
	var snapshot crawler.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return crawler.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// SetRaw stores raw bytes as the snapshot, bypassing encoding.
func (s *SnapshotStore) SetRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
}

// Writes returns how many snapshots have been written.
func (s *SnapshotStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
