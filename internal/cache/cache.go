// Package cache implements the page cache: fetched bodies keyed by URL with a
// time-to-live. Entries can be kept in memory or on disk, optionally gzip
// compressed; callers always receive decompressed bytes.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/compress"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/fileutil"
	"github.com/JakeFAU/sitecrawler/internal/hash"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Config controls cache behavior.
type Config struct {
	// Dir stores entries on disk when set; otherwise entries live in memory.
	Dir string
	// TTL is the validity window. Non-positive means entries never expire.
	TTL time.Duration
	// Refresh forces every lookup to miss. Puts are still stored.
	Refresh  bool
	Compress bool
}

type entry struct {
	meta crawler.CacheEntryMeta
	data []byte
}

// Cache implements crawler.PageCache.
type Cache struct {
	cfg    Config
	clock  crawler.Clock
	hasher crawler.Hasher
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a Cache, creating cfg.Dir when needed.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) (*Cache, error) {
	if cfg.Dir != "" {
		if err := fileutil.EnsureDir(cfg.Dir); err != nil {
			return nil, fmt.Errorf("init cache dir: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clock,
		hasher:  hash.NewSHA256(),
		logger:  logger,
		entries: make(map[string]*entry),
	}, nil
}

// Get returns the cached body for url while it is within the TTL.
func (c *Cache) Get(url string) ([]byte, bool) {
	body, ok := c.get(url)
	metrics.ObserveCacheLookup(ok)
	return body, ok
}

func (c *Cache) get(url string) ([]byte, bool) {
	if c.cfg.Refresh {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[url]
	c.mu.RUnlock()
	if !ok || !c.fresh(e.meta) {
		return nil, false
	}

	raw := e.data
	if e.meta.Path != "" {
		data, err := os.ReadFile(e.meta.Path)
		if err != nil {
			c.logger.Warn("cache blob unreadable; treating as miss", zap.String("url", url), zap.Error(err))
			c.drop(url, e)
			return nil, false
		}
		raw = data
	}
	if !e.meta.Compressed {
		return append([]byte(nil), raw...), true
	}
	body, err := compress.Gunzip(raw)
	if err != nil {
		c.logger.Warn("cache blob corrupt; treating as miss", zap.String("url", url), zap.Error(err))
		c.drop(url, e)
		return nil, false
	}
	return body, true
}

// Put stores body for url stamped with the current time.
func (c *Cache) Put(url string, body []byte) (crawler.CacheEntryMeta, error) {
	digest, err := c.hasher.Hash(body)
	if err != nil {
		return crawler.CacheEntryMeta{}, fmt.Errorf("hash body: %w", err)
	}
	meta := crawler.CacheEntryMeta{
		URL:         url,
		FetchedAt:   c.now(),
		ContentHash: digest,
		Size:        len(body),
		Compressed:  c.cfg.Compress,
	}

	stored := append([]byte(nil), body...)
	if c.cfg.Compress {
		stored, err = compress.Gzip(body)
		if err != nil {
			return crawler.CacheEntryMeta{}, fmt.Errorf("compress body: %w", err)
		}
	}

	e := &entry{meta: meta}
	if c.cfg.Dir != "" {
		meta.Path = c.blobPath(url)
		if err := fileutil.WriteFileAtomic(meta.Path, stored); err != nil {
			return crawler.CacheEntryMeta{}, fmt.Errorf("write cache blob: %w", err)
		}
		e.meta = meta
	} else {
		e.data = stored
	}

	c.mu.Lock()
	c.entries[url] = e
	c.mu.Unlock()
	return meta, nil
}

// Entries returns metadata for every entry, sorted by URL.
func (c *Cache) Entries() []crawler.CacheEntryMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]crawler.CacheEntryMeta, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Restore loads entry metadata from a snapshot. Only disk-backed entries
// whose blobs still exist can be restored; it returns how many were.
func (c *Cache) Restore(metas []crawler.CacheEntryMeta) int {
	restored := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, meta := range metas {
		if meta.URL == "" || meta.Path == "" {
			continue
		}
		if c.cfg.Dir != "" && !fileutil.Within(c.cfg.Dir, meta.Path) {
			continue
		}
		if _, err := os.Stat(meta.Path); err != nil {
			continue
		}
		c.entries[meta.URL] = &entry{meta: meta}
		restored++
	}
	return restored
}

// Len returns the number of entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) fresh(meta crawler.CacheEntryMeta) bool {
	if c.cfg.TTL <= 0 {
		return true
	}
	return c.now().Sub(meta.FetchedAt) <= c.cfg.TTL
}

func (c *Cache) drop(url string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[url] == e {
		delete(c.entries, url)
	}
}

func (c *Cache) blobPath(url string) string {
	name := hash.Key(url) + ".page"
	if c.cfg.Compress {
		name += ".gz"
	}
	return filepath.Join(c.cfg.Dir, name[:2], name)
}

func (c *Cache) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}
