// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// errReleased signals that the claim was handed back to the frontier.
var errReleased = errors.New("claim released")

// Config controls Worker behavior.
type Config struct {
	// Compress asks the HTML writer to gzip stored pages.
	Compress bool
	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration
	// DefaultDelay is the minimum spacing between fetches to one host.
	// A longer robots.txt crawl-delay wins.
	DefaultDelay time.Duration
	// FetchTimeout bounds one fetch attempt.
	FetchTimeout time.Duration
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Frontier  *frontier.Frontier
	Robots    crawler.RobotsPolicy
	Cache     crawler.PageCache
	Fetcher   crawler.Fetcher
	Extractor crawler.LinkExtractor
	HTML      crawler.HTMLWriter
	Limiter   crawler.HostLimiter
	Retry     crawler.RetryPolicy
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	// Progress receives one event per completed URL when set.
	Progress progress.Emitter
}

// Worker claims URLs from the frontier and runs the fetch pipeline on them.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if deps.Retry == nil {
		deps.Retry = crawler.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, claiming URLs until the frontier is exhausted or ctx is done.
// ctx is the drain signal: it is checked between claims, while a fetch
// already under way always runs to completion.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			w.logger.Debug("worker draining")
			return
		}
		rec, result := w.deps.Frontier.Claim()
		switch result {
		case frontier.Exhausted:
			w.logger.Debug("frontier exhausted; worker exiting")
			return
		case frontier.Idle:
			w.idle(ctx)
			continue
		}

		metrics.IncActiveWorkers()
		w.process(ctx, rec)
		metrics.DecActiveWorkers()
	}
}

func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.deps.Frontier.Done():
	case <-timer.C:
	}
}

func (w *Worker) process(ctx context.Context, rec crawler.URLRecord) {
	logger := w.logger.With(zap.String("url", rec.URL), zap.Int("depth", rec.Depth))

	if w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, rec.URL) {
		logger.Info("url excluded by robots.txt")
		w.complete(logger, rec.URL, crawler.Outcome{
			Status: crawler.StatusFailed,
			Reason: crawler.ReasonRobotsExcluded,
			Err:    crawler.ErrRobotsExcluded,
		})
		return
	}

	page, err := w.load(ctx, logger, rec)
	if errors.Is(err, errReleased) {
		if rerr := w.deps.Frontier.Release(rec.URL); rerr != nil {
			logger.Error("release claim failed", zap.Error(rerr))
		}
		logger.Debug("claim released while draining")
		return
	}
	if err != nil {
		logger.Warn("fetch failed", zap.Int("attempts", page.attempts), zap.Error(err))
		var netErr *crawler.NetworkError
		status := 0
		if errors.As(err, &netErr) {
			status = netErr.StatusCode
		}
		w.complete(logger, rec.URL, crawler.Outcome{
			Status:     crawler.StatusFailed,
			Reason:     crawler.ReasonFetchFailed,
			Err:        err,
			Attempts:   page.attempts,
			StatusCode: status,
			FetchedAt:  w.now(),
		})
		return
	}

	outcome := crawler.Outcome{
		Status:      crawler.StatusVisited,
		Attempts:    page.attempts,
		StatusCode:  page.statusCode,
		ContentType: page.contentType,
		FromCache:   page.fromCache,
		FetchedAt:   w.now(),
		Duration:    page.duration,
	}
	fetched := 0
	if !page.fromCache {
		fetched = len(page.body)
	}
	if !page.html {
		logger.Debug("skipping non-html content", zap.String("content_type", page.contentType))
		w.completeWithBytes(logger, rec.URL, outcome, fetched)
		return
	}

	outcome.ContentHash = w.hash(logger, page.body)
	outcome.Location = w.persist(ctx, logger, rec.URL, page.body)

	extraction, err := w.deps.Extractor.Extract(page.body, rec.URL)
	if err != nil {
		logger.Warn("link extraction failed", zap.Error(&crawler.ParseError{URL: rec.URL, Err: err}))
	}
	outcome.Malformed = extraction.Malformed
	outcome.LinkCount = len(extraction.Links)
	for _, link := range extraction.Links {
		if _, err := w.deps.Frontier.Enqueue(link, rec.URL, rec.Depth+1); err != nil {
			logger.Debug("link rejected", zap.String("link", link), zap.Error(err))
		}
	}
	w.completeWithBytes(logger, rec.URL, outcome, fetched)
}

type fetchedPage struct {
	body        []byte
	statusCode  int
	contentType string
	html        bool
	fromCache   bool
	attempts    int
	duration    time.Duration
}

// load returns the page body from the cache or the network.
func (w *Worker) load(ctx context.Context, logger *zap.Logger, rec crawler.URLRecord) (fetchedPage, error) {
	if w.deps.Cache != nil {
		if body, ok := w.deps.Cache.Get(rec.URL); ok {
			logger.Debug("cache hit")
			return fetchedPage{body: body, html: true, fromCache: true}, nil
		}
	}

	resp, attempts, err := w.fetchWithRetry(ctx, logger, rec.URL)
	if err != nil {
		return fetchedPage{attempts: attempts}, err
	}
	metrics.ObserveFetch(rec.URL, resp.Duration)

	contentType := resp.ContentType()
	p := fetchedPage{
		body:        resp.Body,
		statusCode:  resp.StatusCode,
		contentType: contentType,
		html:        isHTML(contentType),
		attempts:    attempts,
		duration:    resp.Duration,
	}
	// Only HTML is cached, so a later hit can be treated as HTML.
	if p.html && w.deps.Cache != nil {
		if _, err := w.deps.Cache.Put(rec.URL, resp.Body); err != nil {
			logger.Warn("cache put failed", zap.Error(err))
		}
	}
	return p, nil
}

func (w *Worker) fetchWithRetry(ctx context.Context, logger *zap.Logger, url string) (crawler.FetchResponse, int, error) {
	host := crawler.HostOf(url)
	attempts := 0
	for {
		if err := w.wait(ctx, host); err != nil {
			return crawler.FetchResponse{}, attempts, errReleased
		}
		attempts++
		resp, err := w.fetchOnce(ctx, url)
		if err == nil {
			return resp, attempts, nil
		}
		if !w.deps.Retry.ShouldRetry(err, attempts) {
			return crawler.FetchResponse{}, attempts, err
		}
		backoff := w.deps.Retry.Backoff(attempts)
		metrics.ObserveRetry(url)
		logger.Debug("retrying fetch",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if !crawler.Pause(ctx, backoff) {
			return crawler.FetchResponse{}, attempts, errReleased
		}
	}
}

// fetchOnce runs on a context detached from the drain signal.
func (w *Worker) fetchOnce(ctx context.Context, url string) (crawler.FetchResponse, error) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FetchTimeout)
	defer cancel()
	resp, err := w.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{URL: url})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch page: %w", err)
	}
	return resp, nil
}

// wait enforces the per-host spacing: the configured delay or the robots
// crawl-delay, whichever is longer.
func (w *Worker) wait(ctx context.Context, host string) error {
	interval := w.cfg.DefaultDelay
	if w.deps.Robots != nil {
		if delay, ok := w.deps.Robots.CrawlDelay(host); ok && delay > interval {
			interval = delay
		}
	}
	if w.deps.Limiter == nil {
		return ctx.Err()
	}
	if err := w.deps.Limiter.Wait(ctx, host, interval); err != nil {
		return fmt.Errorf("wait for %s: %w", host, err)
	}
	return nil
}

func (w *Worker) persist(ctx context.Context, logger *zap.Logger, url string, body []byte) string {
	if w.deps.HTML == nil {
		return ""
	}
	location, err := w.deps.HTML.WriteHTML(context.WithoutCancel(ctx), url, body, w.cfg.Compress)
	if err != nil {
		metrics.ObservePersistenceError("write_html")
		logger.Error("write html failed", zap.Error(&crawler.PersistenceError{Op: "write html", Err: err}))
		return ""
	}
	return location
}

func (w *Worker) hash(logger *zap.Logger, body []byte) string {
	if w.deps.Hasher == nil {
		return ""
	}
	digest, err := w.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("hash body failed", zap.Error(err))
		return ""
	}
	return digest
}

func (w *Worker) complete(logger *zap.Logger, url string, outcome crawler.Outcome) {
	w.completeWithBytes(logger, url, outcome, 0)
}

func (w *Worker) completeWithBytes(logger *zap.Logger, url string, outcome crawler.Outcome, fetched int) {
	if err := w.deps.Frontier.Complete(url, outcome); err != nil {
		logger.Error("complete url failed", zap.Error(err))
		return
	}
	metrics.ObservePage(url, string(outcome.Status), fetched)
	st := w.deps.Frontier.Stats()
	metrics.SetFrontier(st.Pending, st.InFlight, st.Visited, st.Failed)
	if w.deps.Progress != nil {
		w.deps.Progress.Emit(progress.Event{
			TS:          w.now(),
			Stage:       progress.StagePageDone,
			Site:        crawler.HostOf(url),
			URL:         url,
			Status:      outcome.Status,
			StatusClass: progress.ClassifyStatus(outcome.StatusCode),
			Bytes:       int64(fetched),
			Cached:      outcome.FromCache,
			Dur:         outcome.Duration,
			Note:        outcome.Reason,
		})
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now().UTC()
	}
	return w.deps.Clock.Now()
}

func isHTML(contentType string) bool {
	// A missing header is treated as HTML.
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
