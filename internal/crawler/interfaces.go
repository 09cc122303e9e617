package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkExtractor parses a page body and returns absolute outbound links.
type LinkExtractor interface {
	Extract(body []byte, baseURL string) (Extraction, error)
}

// HTMLWriter stores page bodies and returns where they were written.
type HTMLWriter interface {
	WriteHTML(ctx context.Context, pageURL string, body []byte, compressed bool) (string, error)
}

// LinkWriter exports the accumulated link graph.
type LinkWriter interface {
	WriteLinkData(ctx context.Context, graph LinkGraph) error
}

// SnapshotStore persists and restores session checkpoints.
type SnapshotStore interface {
	WriteSnapshot(ctx context.Context, snapshot Snapshot) error
	// ReadSnapshot returns ErrSnapshotNotFound when no checkpoint exists.
	ReadSnapshot(ctx context.Context) (Snapshot, error)
}

// RobotsPolicy answers robots-exclusion questions per host.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(host string) (time.Duration, bool)
}

// PageCache stores fetched bodies keyed by URL.
type PageCache interface {
	Get(url string) ([]byte, bool)
	Put(url string, body []byte) (CacheEntryMeta, error)
}

// HostLimiter spaces fetches to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, host string, interval time.Duration) error
}

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
