// Package frontier holds the mutable crawl state: URL records, the FIFO
// pending queue, the in-flight claim count, and the accumulated link graph.
// All operations share one mutex, so dedup and completion detection stay
// exact under concurrent workers.
package frontier

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// ClaimResult tells a worker what Claim produced.
type ClaimResult int

const (
	// Claimed means a record was popped and is now in-flight.
	Claimed ClaimResult = iota
	// Idle means the queue is empty but other claims are outstanding.
	Idle
	// Exhausted means nothing is pending and nothing is in-flight.
	Exhausted
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case Idle:
		return "idle"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("ClaimResult(%d)", int(r))
	}
}

// Scope bounds which discovered URLs are enqueued.
type Scope struct {
	// Hosts are the seed hosts; other hosts are out of scope unless
	// AllowExternal is set.
	Hosts         []string
	AllowExternal bool
	// MaxDepth < 0 means unlimited.
	MaxDepth int
}

// Stats is a point-in-time summary of the frontier.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Visited  int `json:"visited"`
	Failed   int `json:"failed"`
	Edges    int `json:"edges"`
}

// Frontier is safe for concurrent use.
type Frontier struct {
	mu       sync.Mutex
	scope    Scope
	hosts    map[string]struct{}
	clock    crawler.Clock
	records  map[string]*crawler.URLRecord
	pending  []string
	inFlight int
	visited  int
	failed   int
	seq      uint64
	edges    []crawler.LinkEdge
	extHosts map[string]struct{}
	extLinks map[string]struct{}
	done     chan struct{}
	closed   bool
}

// New builds an empty Frontier.
func New(scope Scope, clock crawler.Clock) *Frontier {
	f := &Frontier{
		clock: clock,
		done:  make(chan struct{}),
	}
	f.reset(scope)
	return f
}

func (f *Frontier) reset(scope Scope) {
	f.scope = scope
	f.hosts = make(map[string]struct{}, len(scope.Hosts))
	for _, h := range scope.Hosts {
		f.hosts[crawler.HostOf("http://"+h)] = struct{}{}
	}
	f.records = make(map[string]*crawler.URLRecord)
	f.pending = nil
	f.inFlight = 0
	f.visited = 0
	f.failed = 0
	f.seq = 0
	f.edges = nil
	f.extHosts = make(map[string]struct{})
	f.extLinks = make(map[string]struct{})
}

// Enqueue records a discovered URL. It reports whether the URL was newly
// queued. Known URLs gain parent as an extra parent; out-of-scope URLs only
// leave an edge behind.
func (f *Frontier) Enqueue(rawURL, parent string, depth int) (bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if parent != "" {
		f.edges = append(f.edges, crawler.LinkEdge{Source: parent, Target: normalized})
	}

	if rec, ok := f.records[normalized]; ok {
		if parent != "" && !contains(rec.Parents, parent) {
			rec.Parents = append(rec.Parents, parent)
		}
		return false, nil
	}

	host := crawler.HostOf(normalized)
	if _, internal := f.hosts[host]; !internal {
		f.extHosts[host] = struct{}{}
		f.extLinks[normalized] = struct{}{}
		if !f.scope.AllowExternal {
			return false, nil
		}
	}
	if f.scope.MaxDepth >= 0 && depth > f.scope.MaxDepth {
		return false, nil
	}

	f.seq++
	rec := &crawler.URLRecord{
		URL:          normalized,
		Status:       crawler.StatusPending,
		Depth:        depth,
		Seq:          f.seq,
		DiscoveredAt: f.now(),
	}
	if parent != "" {
		rec.Parents = []string{parent}
	}
	f.records[normalized] = rec
	f.pending = append(f.pending, normalized)
	return true, nil
}

// Claim pops the head of the queue and marks it in-flight.
func (f *Frontier) Claim() (crawler.URLRecord, ClaimResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		if f.inFlight == 0 {
			f.closeDoneLocked()
			return crawler.URLRecord{}, Exhausted
		}
		return crawler.URLRecord{}, Idle
	}

	next := f.pending[0]
	f.pending[0] = ""
	f.pending = f.pending[1:]
	rec := f.records[next]
	rec.Status = crawler.StatusInFlight
	f.inFlight++
	return rec.Clone(), Claimed
}

// Release puts an in-flight URL back at the head of the queue. It is used
// when a worker gives up a claim before fetching.
func (f *Frontier) Release(rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[rawURL]
	if !ok {
		return fmt.Errorf("release %s: %w", rawURL, crawler.ErrUnknownURL)
	}
	if rec.Status != crawler.StatusInFlight {
		return fmt.Errorf("release %s: status is %s", rawURL, rec.Status)
	}
	rec.Status = crawler.StatusPending
	f.pending = append([]string{rawURL}, f.pending...)
	f.inFlight--
	return nil
}

// Complete moves an in-flight URL to visited or failed.
func (f *Frontier) Complete(rawURL string, outcome crawler.Outcome) error {
	if outcome.Status != crawler.StatusVisited && outcome.Status != crawler.StatusFailed {
		return fmt.Errorf("complete %s: invalid outcome status %q", rawURL, outcome.Status)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[rawURL]
	if !ok {
		return fmt.Errorf("complete %s: %w", rawURL, crawler.ErrUnknownURL)
	}
	if rec.Status != crawler.StatusInFlight {
		return fmt.Errorf("complete %s: status is %s", rawURL, rec.Status)
	}

	rec.Status = outcome.Status
	rec.Reason = outcome.Reason
	rec.Error = ""
	if outcome.Err != nil {
		rec.Error = outcome.Err.Error()
	}
	rec.Attempts = outcome.Attempts
	rec.StatusCode = outcome.StatusCode
	rec.ContentType = outcome.ContentType
	rec.ContentHash = outcome.ContentHash
	rec.Location = outcome.Location
	rec.FromCache = outcome.FromCache
	rec.LinkCount = outcome.LinkCount
	rec.Malformed = append([]string(nil), outcome.Malformed...)
	rec.FetchedAt = outcome.FetchedAt
	rec.Duration = outcome.Duration

	if outcome.Status == crawler.StatusVisited {
		f.visited++
	} else {
		f.failed++
	}
	f.inFlight--
	if f.inFlight == 0 && len(f.pending) == 0 {
		f.closeDoneLocked()
	}
	return nil
}

// Done is closed once the frontier has been observed exhausted.
func (f *Frontier) Done() <-chan struct{} {
	return f.done
}

// Lookup returns a copy of the record for a normalized URL.
func (f *Frontier) Lookup(rawURL string) (crawler.URLRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[rawURL]
	if !ok {
		return crawler.URLRecord{}, false
	}
	return rec.Clone(), true
}

// Stats summarizes the frontier.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Pending:  len(f.pending),
		InFlight: f.inFlight,
		Visited:  f.visited,
		Failed:   f.failed,
		Edges:    len(f.edges),
	}
}

// Snapshot returns a consistent copy of the frontier. In-flight records are
// written as pending at the head of the queue, in claim order, so a resumed
// session fetches them again.
func (f *Frontier) Snapshot() crawler.FrontierState {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]crawler.URLRecord, 0, len(f.records))
	var inFlight []crawler.URLRecord
	for _, rec := range f.records {
		cp := rec.Clone()
		if cp.Status == crawler.StatusInFlight {
			cp.Status = crawler.StatusPending
			inFlight = append(inFlight, cp)
		}
		records = append(records, cp)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].Seq < inFlight[j].Seq })

	pending := make([]string, 0, len(inFlight)+len(f.pending))
	for _, rec := range inFlight {
		pending = append(pending, rec.URL)
	}
	pending = append(pending, f.pending...)

	return crawler.FrontierState{
		Records:       records,
		Pending:       pending,
		Edges:         append([]crawler.LinkEdge(nil), f.edges...),
		ExternalHosts: sortedKeys(f.extHosts),
		ExternalLinks: sortedKeys(f.extLinks),
	}
}

// Restore replaces the frontier contents with state. Pending order is kept.
func (f *Frontier) Restore(state crawler.FrontierState) error {
	records := make(map[string]*crawler.URLRecord, len(state.Records))
	var maxSeq uint64
	var visited, failed int
	for _, rec := range state.Records {
		if rec.URL == "" {
			return errors.New("restore frontier: record without url")
		}
		if _, dup := records[rec.URL]; dup {
			return fmt.Errorf("restore frontier: duplicate record %s", rec.URL)
		}
		cp := rec.Clone()
		if cp.Status == crawler.StatusInFlight {
			cp.Status = crawler.StatusPending
		}
		records[rec.URL] = &cp
		switch cp.Status {
		case crawler.StatusVisited:
			visited++
		case crawler.StatusFailed:
			failed++
		}
		if cp.Seq > maxSeq {
			maxSeq = cp.Seq
		}
	}

	queued := make(map[string]struct{}, len(state.Pending))
	pending := make([]string, 0, len(state.Pending))
	for _, u := range state.Pending {
		rec, ok := records[u]
		if !ok {
			return fmt.Errorf("restore frontier: pending url %s has no record", u)
		}
		if rec.Status != crawler.StatusPending {
			return fmt.Errorf("restore frontier: pending url %s has status %s", u, rec.Status)
		}
		if _, dup := queued[u]; dup {
			continue
		}
		queued[u] = struct{}{}
		pending = append(pending, u)
	}
	// Pending records missing from the queue are appended in discovery order.
	var orphans []*crawler.URLRecord
	for u, rec := range records {
		if _, ok := queued[u]; !ok && rec.Status == crawler.StatusPending {
			orphans = append(orphans, rec)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Seq < orphans[j].Seq })
	for _, rec := range orphans {
		pending = append(pending, rec.URL)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		return errors.New("restore frontier: claims outstanding")
	}
	f.reset(f.scope)
	f.records = records
	f.pending = pending
	f.visited = visited
	f.failed = failed
	f.seq = maxSeq
	f.edges = append([]crawler.LinkEdge(nil), state.Edges...)
	for _, h := range state.ExternalHosts {
		f.extHosts[h] = struct{}{}
	}
	for _, l := range state.ExternalLinks {
		f.extLinks[l] = struct{}{}
	}
	return nil
}

func (f *Frontier) closeDoneLocked() {
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
}

func (f *Frontier) now() time.Time {
	if f.clock == nil {
		return time.Now().UTC()
	}
	return f.clock.Now()
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
