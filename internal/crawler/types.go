package crawler

import (
	"net/http"
	"time"
)

// Status is the lifecycle state of a URL record.
type Status string

// URL record states. A record only ever moves forward through these.
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusVisited  Status = "visited"
	StatusFailed   Status = "failed"
)

// Failure reasons recorded on failed URL records.
const (
	ReasonRobotsExcluded = "robots-excluded"
	ReasonFetchFailed    = "fetch-failed"
)

// URLRecord tracks a single normalized URL through the crawl.
type URLRecord struct {
	URL          string        `json:"url"`
	Status       Status        `json:"status"`
	Depth        int           `json:"depth"`
	Parents      []string      `json:"parents,omitempty"`
	Seq          uint64        `json:"seq"`
	DiscoveredAt time.Time     `json:"discovered_at"`
	Attempts     int           `json:"attempts,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ContentType  string        `json:"content_type,omitempty"`
	ContentHash  string        `json:"content_hash,omitempty"`
	Location     string        `json:"location,omitempty"`
	FromCache    bool          `json:"from_cache,omitempty"`
	LinkCount    int           `json:"link_count,omitempty"`
	Malformed    []string      `json:"malformed,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at,omitzero"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (r URLRecord) Clone() URLRecord {
	r.Parents = append([]string(nil), r.Parents...)
	r.Malformed = append([]string(nil), r.Malformed...)
	return r
}

// LinkEdge is a directed link discovered on Source pointing at Target.
type LinkEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Outcome reports how a claimed URL finished.
type Outcome struct {
	Status      Status
	Reason      string
	Err         error
	Attempts    int
	StatusCode  int
	ContentType string
	ContentHash string
	Location    string
	FromCache   bool
	LinkCount   int
	Malformed   []string
	FetchedAt   time.Time
	Duration    time.Duration
}

// FrontierState is the serializable form of the frontier.
type FrontierState struct {
	Records       []URLRecord `json:"records"`
	Pending       []string    `json:"pending"`
	Edges         []LinkEdge  `json:"edges"`
	ExternalHosts []string    `json:"external_hosts,omitempty"`
	ExternalLinks []string    `json:"external_links,omitempty"`
}

// CacheEntryMeta describes a cached page without its bytes.
type CacheEntryMeta struct {
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	Compressed  bool      `json:"compressed"`
	Path        string    `json:"path,omitempty"`
}

// SnapshotVersion is bumped whenever the snapshot layout changes incompatibly.
const SnapshotVersion = 1

// Snapshot is the durable checkpoint of a crawl session.
type Snapshot struct {
	Version   int              `json:"version"`
	SessionID string           `json:"session_id"`
	Seeds     []string         `json:"seeds"`
	CreatedAt time.Time        `json:"created_at"`
	Frontier  FrontierState    `json:"frontier"`
	Cache     []CacheEntryMeta `json:"cache,omitempty"`
}

// LinkGraph is the exported link data for a session.
type LinkGraph struct {
	SessionID     string      `json:"session_id"`
	Host          string      `json:"host"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Records       []URLRecord `json:"records"`
	Edges         []LinkEdge  `json:"edges"`
	ExternalHosts []string    `json:"external_hosts"`
	ExternalLinks []string    `json:"external_links"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header, if any.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Extraction is the result of parsing a page for links.
type Extraction struct {
	Links     []string
	Malformed []string
}
