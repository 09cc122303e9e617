package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

const root = "https://example.com/"

func TestWorker_Run_CrawlsToExhaustion(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	fetcher.pages["https://example.com/a"] = htmlResponse("https://example.com/a")
	fetcher.pages["https://example.com/b"] = htmlResponse("https://example.com/b")
	extractor := &fakeExtractor{links: map[string][]string{
		root:                    {"https://example.com/a", "https://example.com/b", "https://other.example/x"},
		"https://example.com/a": {root},
	}}
	html := newFakeHTMLWriter()

	w := New(1, Deps{
		Frontier:  front,
		Fetcher:   fetcher,
		Extractor: extractor,
		HTML:      html,
		Hasher:    &fakeHasher{hash: "abc123"},
		Clock:     &fakeClock{now: time.Unix(100, 0)},
	}, Config{PollInterval: time.Millisecond}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	st := front.Stats()
	require.Equal(t, 3, st.Visited)
	require.Zero(t, st.Pending)
	require.Zero(t, st.InFlight)
	require.Equal(t, 4, st.Edges)

	rec, ok := front.Lookup(root)
	require.True(t, ok)
	assert.Equal(t, crawler.StatusVisited, rec.Status)
	assert.Equal(t, 3, rec.LinkCount)
	assert.Equal(t, "abc123", rec.ContentHash)
	assert.Equal(t, "mem://"+root, rec.Location)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
	assert.Equal(t, 1, rec.Attempts)

	child, ok := front.Lookup("https://example.com/a")
	require.True(t, ok)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, []string{root}, child.Parents)

	assert.Len(t, html.writes(), 3)
	_, external := front.Lookup("https://other.example/x")
	assert.False(t, external, "external links are never queued")
}

func TestWorker_RobotsExcluded(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	w := New(1, Deps{
		Frontier:  front,
		Robots:    &fakeRobots{deny: map[string]bool{root: true}},
		Fetcher:   fetcher,
		Extractor: &fakeExtractor{},
	}, Config{}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusFailed, rec.Status)
	assert.Equal(t, crawler.ReasonRobotsExcluded, rec.Reason)
	assert.Zero(t, fetcher.calls(root), "excluded urls are never fetched")
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	fetcher.failures[root] = []error{
		&crawler.NetworkError{URL: root, StatusCode: http.StatusServiceUnavailable, Retryable: true, Err: errors.New("busy")},
		&crawler.NetworkError{URL: root, Retryable: true, Err: errors.New("connection reset")},
	}
	limiter := &countingLimiter{}

	w := New(1, Deps{
		Frontier:  front,
		Fetcher:   fetcher,
		Extractor: &fakeExtractor{},
		Limiter:   limiter,
		Robots:    &fakeRobots{delay: 20 * time.Millisecond},
		Retry:     crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	}, Config{DefaultDelay: 5 * time.Millisecond}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusVisited, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, fetcher.calls(root))
	assert.Equal(t, 3, limiter.count(), "crawl delay is honored before every attempt")
	assert.Equal(t, 20*time.Millisecond, limiter.lastInterval(), "robots crawl-delay wins when longer")
}

func TestWorker_RetriesFetchTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	t.Cleanup(srv.Close)

	seed := srv.URL + "/"
	front := frontier.New(frontier.Scope{Hosts: []string{crawler.HostOf(seed)}, MaxDepth: -1}, nil)
	_, err := front.Enqueue(seed, "", 0)
	require.NoError(t, err)

	w := New(1, Deps{
		Frontier:  front,
		Fetcher:   collyfetcher.New(collyfetcher.Config{UserAgent: "sitecrawler", Timeout: 5 * time.Second}),
		Extractor: &fakeExtractor{},
		Retry:     crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	}, Config{FetchTimeout: 200 * time.Millisecond}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	rec, ok := front.Lookup(seed)
	require.True(t, ok)
	assert.Equal(t, crawler.StatusVisited, rec.Status, "error: %s", rec.Error)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, int32(2), hits.Load())
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	busy := &crawler.NetworkError{URL: root, StatusCode: http.StatusBadGateway, Retryable: true, Err: errors.New("bad gateway")}
	fetcher.failures[root] = []error{busy, busy, busy}

	w := New(1, Deps{
		Frontier:  front,
		Fetcher:   fetcher,
		Extractor: &fakeExtractor{},
		Retry:     crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	}, Config{}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusFailed, rec.Status)
	assert.Equal(t, crawler.ReasonFetchFailed, rec.Reason)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, http.StatusBadGateway, rec.StatusCode)
	assert.Contains(t, rec.Error, "bad gateway")
}

func TestWorker_TerminalStatusIsNotRetried(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.failures[root] = []error{
		&crawler.NetworkError{URL: root, StatusCode: http.StatusNotFound, Err: errors.New("Not Found")},
	}

	w := New(1, Deps{
		Frontier:  front,
		Fetcher:   fetcher,
		Extractor: &fakeExtractor{},
		Retry:     crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond),
	}, Config{}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, http.StatusNotFound, rec.StatusCode)
}

func TestWorker_CacheHitSkipsNetwork(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	cache := &fakeCache{entries: map[string][]byte{root: []byte("<html>cached</html>")}}
	html := newFakeHTMLWriter()

	w := New(1, Deps{
		Frontier:  front,
		Fetcher:   fetcher,
		Cache:     cache,
		Extractor: &fakeExtractor{},
		HTML:      html,
	}, Config{}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusVisited, rec.Status)
	assert.True(t, rec.FromCache)
	assert.Zero(t, fetcher.calls(root))
	assert.Equal(t, "<html>cached</html>", string(html.writes()[root]))
}

func TestWorker_CachesFetchedHTML(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	cache := &fakeCache{entries: map[string][]byte{}}

	w := New(1, Deps{Frontier: front, Fetcher: fetcher, Cache: cache, Extractor: &fakeExtractor{}}, Config{}, zap.NewNop())
	runUntilDone(t, w, context.Background())

	body, ok := cache.Get(root)
	require.True(t, ok)
	assert.Equal(t, htmlResponse(root).Body, body)
}

func TestWorker_NonHTMLIsVisitedWithoutLinks(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = crawler.FetchResponse{
		URL:        root,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/pdf"}},
		Body:       []byte("%PDF-1.7"),
	}
	extractor := &fakeExtractor{links: map[string][]string{root: {"https://example.com/a"}}}
	html := newFakeHTMLWriter()
	cache := &fakeCache{entries: map[string][]byte{}}

	w := New(1, Deps{Frontier: front, Fetcher: fetcher, Extractor: extractor, HTML: html, Cache: cache}, Config{}, zap.NewNop())
	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusVisited, rec.Status)
	assert.Equal(t, "application/pdf", rec.ContentType)
	assert.Zero(t, rec.LinkCount)
	assert.Empty(t, html.writes())
	assert.Empty(t, cache.entries)
	assert.Equal(t, 1, front.Stats().Visited)
}

func TestWorker_HTMLWriteFailureStillVisits(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	html := newFakeHTMLWriter()
	html.err = errors.New("disk full")

	w := New(1, Deps{Frontier: front, Fetcher: fetcher, Extractor: &fakeExtractor{}, HTML: html}, Config{}, zap.NewNop())
	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusVisited, rec.Status)
	assert.Empty(t, rec.Location)
}

func TestWorker_ExtractionFailureVisitsWithNoLinks(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)

	w := New(1, Deps{Frontier: front, Fetcher: fetcher, Extractor: &fakeExtractor{err: errors.New("bad markup")}}, Config{}, zap.NewNop())
	runUntilDone(t, w, context.Background())

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusVisited, rec.Status)
	assert.Zero(t, rec.LinkCount)
}

func TestWorker_DrainDuringDelayReleasesClaim(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	limiter := &blockingLimiter{entered: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(1, Deps{Frontier: front, Fetcher: fetcher, Extractor: &fakeExtractor{}, Limiter: limiter}, Config{}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-limiter.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never waited on the limiter")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after drain")
	}

	rec, _ := front.Lookup(root)
	assert.Equal(t, crawler.StatusPending, rec.Status)
	assert.Zero(t, fetcher.calls(root))
	st := front.Stats()
	assert.Equal(t, 1, st.Pending)
	assert.Zero(t, st.InFlight)
}

func TestWorker_StopsClaimingAfterDrain(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(1, Deps{Frontier: front, Fetcher: fetcher, Extractor: &fakeExtractor{}}, Config{}, zap.NewNop())
	runUntilDone(t, w, ctx)

	assert.Equal(t, 1, front.Stats().Pending)
}

func TestWorker_EmitsProgressPerURL(t *testing.T) {
	t.Parallel()

	front := newFrontier(t)
	fetcher := newFakeFetcher()
	fetcher.pages[root] = htmlResponse(root)
	events := &recordingEmitter{}
	w := New(1, Deps{
		Frontier:  front,
		Robots:    &fakeRobots{deny: map[string]bool{"https://example.com/private": true}},
		Fetcher:   fetcher,
		Extractor: &fakeExtractor{links: map[string][]string{root: {"https://example.com/private"}}},
		Clock:     &fakeClock{now: time.Unix(100, 0)},
		Progress:  events,
	}, Config{PollInterval: time.Millisecond}, zap.NewNop())

	runUntilDone(t, w, context.Background())

	got := events.all()
	require.Len(t, got, 2)
	assert.Equal(t, progress.StagePageDone, got[0].Stage)
	assert.Equal(t, root, got[0].URL)
	assert.Equal(t, crawler.StatusVisited, got[0].Status)
	assert.Equal(t, progress.Status2xx, got[0].StatusClass)
	assert.Equal(t, "example.com", got[0].Site)
	assert.Equal(t, crawler.StatusFailed, got[1].Status)
	assert.Equal(t, crawler.ReasonRobotsExcluded, got[1].Note)
	for _, evt := range got {
		assert.NoError(t, evt.Validate())
	}
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"":                          true,
		"text/html":                 true,
		"text/html; charset=utf-8":  true,
		"application/xhtml+xml":     true,
		"TEXT/HTML":                 true,
		"application/json":          false,
		"image/png":                 false,
		"text/plain; charset=utf-8": false,
	}
	for ct, want := range cases {
		if got := isHTML(ct); got != want {
			t.Fatalf("isHTML(%q) = %v, want %v", ct, got, want)
		}
	}
}

func newFrontier(t *testing.T) *frontier.Frontier {
	t.Helper()
	f := frontier.New(frontier.Scope{Hosts: []string{"example.com"}, MaxDepth: -1}, nil)
	added, err := f.Enqueue(root, "", 0)
	require.NoError(t, err)
	require.True(t, added)
	return f
}

func runUntilDone(t *testing.T, w *Worker, ctx context.Context) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
	}
}

func htmlResponse(url string) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte("<html><body>" + url + "</body></html>"),
		Duration:   time.Millisecond,
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]crawler.FetchResponse
	failures map[string][]error
	counts   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:    make(map[string]crawler.FetchResponse),
		failures: make(map[string][]error),
		counts:   make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[req.URL]++
	if errs := f.failures[req.URL]; len(errs) > 0 {
		f.failures[req.URL] = errs[1:]
		return crawler.FetchResponse{}, errs[0]
	}
	resp, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{}, &crawler.NetworkError{URL: req.URL, StatusCode: http.StatusNotFound, Err: errors.New("Not Found")}
	}
	return resp, nil
}

func (f *fakeFetcher) calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[url]
}

type fakeExtractor struct {
	links map[string][]string
	err   error
}

func (e *fakeExtractor) Extract(_ []byte, baseURL string) (crawler.Extraction, error) {
	if e.err != nil {
		return crawler.Extraction{}, e.err
	}
	return crawler.Extraction{Links: e.links[baseURL]}, nil
}

type fakeHTMLWriter struct {
	mu     sync.Mutex
	err    error
	stored map[string][]byte
}

func newFakeHTMLWriter() *fakeHTMLWriter {
	return &fakeHTMLWriter{stored: make(map[string][]byte)}
}

func (h *fakeHTMLWriter) WriteHTML(_ context.Context, pageURL string, body []byte, _ bool) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stored[pageURL] = append([]byte(nil), body...)
	return "mem://" + pageURL, nil
}

func (h *fakeHTMLWriter) writes() map[string][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]byte, len(h.stored))
	for k, v := range h.stored {
		out[k] = v
	}
	return out
}

type fakeRobots struct {
	deny  map[string]bool
	delay time.Duration
}

func (r *fakeRobots) Allowed(_ context.Context, rawURL string) bool {
	return !r.deny[rawURL]
}

func (r *fakeRobots) CrawlDelay(string) (time.Duration, bool) {
	return r.delay, r.delay > 0
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *fakeCache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.entries[url]
	return body, ok
}

func (c *fakeCache) Put(url string, body []byte) (crawler.CacheEntryMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = append([]byte(nil), body...)
	return crawler.CacheEntryMeta{URL: url, Size: len(body)}, nil
}

type countingLimiter struct {
	mu        sync.Mutex
	waits     int
	intervals []time.Duration
}

func (l *countingLimiter) Wait(_ context.Context, _ string, interval time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	l.intervals = append(l.intervals, interval)
	return nil
}

func (l *countingLimiter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waits
}

func (l *countingLimiter) lastInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.intervals) == 0 {
		return 0
	}
	return l.intervals[len(l.intervals)-1]
}

type blockingLimiter struct {
	entered chan struct{}
	once    sync.Once
}

func (l *blockingLimiter) Wait(ctx context.Context, _ string, _ time.Duration) error {
	l.once.Do(func() { close(l.entered) })
	<-ctx.Done()
	return ctx.Err()
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type fakeHasher struct {
	hash string
}

func (h *fakeHasher) Hash([]byte) (string, error) {
	return h.hash, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}
