// Package session drives one crawl from seeding or resume through shutdown.
// It owns the frontier, runs the worker pool, and writes checkpoints and the
// link data export.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dispatcher"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/parser"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

// State is the session lifecycle state.
type State string

// Session states. Starting → Running → Draining|Completed → Terminated.
const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateDraining   State = "draining"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
)

// Config controls one session.
type Config struct {
	// Seeds are the URLs the crawl starts from. Their hosts form the scope.
	Seeds []string
	// Resume restores the last snapshot instead of seeding when one exists.
	Resume bool
	// UseSitemaps seeds URLs listed in sitemaps declared by robots.txt.
	UseSitemaps bool
	// MaxDepth < 0 means unlimited; 0 fetches the seeds only.
	MaxDepth      int
	AllowExternal bool
	Workers       int
	// CheckpointInterval enables periodic snapshots when positive.
	CheckpointInterval time.Duration
	Worker             worker.Config
}

// RobotsGate is the robots dependency; Sitemaps is only used for seeding.
type RobotsGate interface {
	crawler.RobotsPolicy
	Sitemaps(ctx context.Context, rawURL string) []string
}

// Cache is the page cache dependency; entry metadata is checkpointed with
// the frontier.
type Cache interface {
	crawler.PageCache
	Entries() []crawler.CacheEntryMeta
	Restore(metas []crawler.CacheEntryMeta) int
}

// Deps are the collaborators of a session. Robots, Cache, HTML, Limiter,
// Hasher and Links may be nil.
type Deps struct {
	Robots    RobotsGate
	Cache     Cache
	Fetcher   crawler.Fetcher
	Extractor crawler.LinkExtractor
	HTML      crawler.HTMLWriter
	Links     crawler.LinkWriter
	Snapshots crawler.SnapshotStore
	Limiter   crawler.HostLimiter
	Retry     crawler.RetryPolicy
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	// Progress receives session and per-page events when set.
	Progress progress.Emitter
}

// Result summarizes a finished session.
type Result struct {
	SessionID string
	// State is the state the session ended from: completed or draining.
	State       State
	Interrupted bool
	Resumed     bool
	Stats       frontier.Stats
	SnapshotErr error
	ExportErr   error
}

// Status is a point-in-time view for the status server.
type Status struct {
	SessionID string         `json:"session_id"`
	State     State          `json:"state"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	Seeds     []string       `json:"seeds"`
	Frontier  frontier.Stats `json:"frontier"`
}

// Controller runs a single crawl session. It is not reusable.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	front  *frontier.Frontier

	mu          sync.Mutex
	state       State
	sessionID   string
	startedAt   time.Time
	interrupted bool
	cancelDrain context.CancelFunc
	// snapMu serializes snapshot writes between the ticker and shutdown.
	snapMu sync.Mutex
}

// New validates cfg and builds a Controller.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("at least one seed url is required")
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Snapshots == nil {
		return nil, errors.New("fetcher, extractor and snapshot store are required")
	}
	seeds := make([]string, 0, len(cfg.Seeds))
	hosts := make([]string, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		normalized, err := crawler.NormalizeURL(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s, err)
		}
		seeds = append(seeds, normalized)
		hosts = append(hosts, crawler.HostOf(normalized))
	}
	cfg.Seeds = seeds
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := frontier.Scope{Hosts: hosts, AllowExternal: cfg.AllowExternal, MaxDepth: cfg.MaxDepth}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		front:  frontier.New(scope, deps.Clock),
		state:  StateStarting,
	}, nil
}

// Frontier exposes the session frontier.
func (c *Controller) Frontier() *frontier.Frontier {
	return c.front
}

// Run executes the session and blocks until it terminates. Canceling ctx
// has the same effect as Interrupt.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != StateStarting || c.cancelDrain != nil {
		c.mu.Unlock()
		return Result{}, errors.New("session already ran")
	}
	c.cancelDrain = cancel
	c.startedAt = c.now()
	if c.interrupted {
		cancel()
	}
	c.mu.Unlock()

	resumed, err := c.start(ctx)
	if err != nil {
		c.setState(StateTerminated)
		return Result{}, err
	}

	c.mu.Lock()
	if c.interrupted {
		c.state = StateDraining
	} else {
		c.state = StateRunning
	}
	c.mu.Unlock()
	c.logger.Info("session running",
		zap.String("session_id", c.SessionID()),
		zap.Bool("resumed", resumed),
		zap.Int("workers", c.cfg.Workers))
	mode := "fresh"
	if resumed {
		mode = "resumed"
	}
	c.emit(progress.StageSessionStart, mode)

	stopTicker := c.startCheckpointTicker(ctx)
	c.pool().Run(drainCtx)
	stopTicker()

	return c.finish(ctx, resumed), nil
}

// Interrupt starts draining: no new URLs are claimed and in-flight fetches
// finish. Only the first call has an effect.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupted {
		c.logger.Warn("interrupt already in progress; ignoring")
		return
	}
	switch c.state {
	case StateStarting, StateRunning:
	default:
		c.logger.Debug("interrupt ignored", zap.String("state", string(c.state)))
		return
	}
	c.interrupted = true
	if c.state == StateRunning {
		c.state = StateDraining
	}
	c.logger.Info("interrupt received; draining")
	if c.cancelDrain != nil {
		c.cancelDrain()
	}
}

// WatchSignals routes SIGINT and SIGTERM to Interrupt until the returned stop
// function is called.
func (c *Controller) WatchSignals() (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				c.logger.Info("signal received", zap.String("signal", sig.String()))
				c.Interrupt()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
		})
	}
}

// Status returns the current state and frontier stats.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		SessionID: c.sessionID,
		State:     c.state,
		StartedAt: c.startedAt,
		Seeds:     append([]string(nil), c.cfg.Seeds...),
	}
	c.mu.Unlock()
	st.Frontier = c.front.Stats()
	return st
}

// SessionID returns the session identifier once the session has started.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// start restores the last snapshot or seeds the frontier. It reports
// whether the session resumed.
func (c *Controller) start(ctx context.Context) (bool, error) {
	if c.cfg.Resume {
		if c.resume(ctx) {
			return true, nil
		}
	}
	id, err := c.newID()
	if err != nil {
		return false, err
	}
	c.setSessionID(id)

	for _, seed := range c.cfg.Seeds {
		if _, err := c.front.Enqueue(seed, "", 0); err != nil {
			return false, fmt.Errorf("seed frontier: %w", err)
		}
	}
	if c.cfg.UseSitemaps {
		c.seedSitemaps(ctx)
	}
	c.logger.Info("session seeded", zap.Strings("seeds", c.cfg.Seeds))
	return false, nil
}

func (c *Controller) resume(ctx context.Context) bool {
	snap, err := c.deps.Snapshots.ReadSnapshot(ctx)
	switch {
	case errors.Is(err, crawler.ErrSnapshotNotFound):
		c.logger.Info("no snapshot to resume; starting fresh")
		return false
	case err != nil:
		c.logger.Warn("snapshot unreadable; starting fresh", zap.Error(err))
		return false
	}
	if !slices.Equal(snap.Seeds, c.cfg.Seeds) {
		c.logger.Warn("snapshot belongs to different seeds; starting fresh",
			zap.Strings("snapshot_seeds", snap.Seeds),
			zap.Strings("seeds", c.cfg.Seeds))
		return false
	}
	if err := c.front.Restore(snap.Frontier); err != nil {
		c.logger.Warn("snapshot inconsistent; starting fresh", zap.Error(err))
		return false
	}
	restoredCache := 0
	if c.deps.Cache != nil {
		restoredCache = c.deps.Cache.Restore(snap.Cache)
	}
	id := snap.SessionID
	if id == "" {
		if id, err = c.newID(); err != nil {
			c.logger.Warn("session id generation failed", zap.Error(err))
		}
	}
	c.setSessionID(id)
	st := c.front.Stats()
	c.logger.Info("session resumed",
		zap.String("session_id", id),
		zap.Int("pending", st.Pending),
		zap.Int("visited", st.Visited),
		zap.Int("failed", st.Failed),
		zap.Int("cache_entries", restoredCache))
	return true
}

// seedSitemaps enqueues <loc> entries of sitemaps declared in the seeds'
// robots.txt at depth 1, so single-page crawls ignore them.
func (c *Controller) seedSitemaps(ctx context.Context) {
	if c.deps.Robots == nil {
		return
	}
	seen := make(map[string]struct{})
	for _, seed := range c.cfg.Seeds {
		for _, sitemap := range c.deps.Robots.Sitemaps(ctx, seed) {
			if _, dup := seen[sitemap]; dup {
				continue
			}
			seen[sitemap] = struct{}{}
			resp, err := c.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: sitemap})
			if err != nil {
				c.logger.Warn("sitemap fetch failed", zap.String("sitemap", sitemap), zap.Error(err))
				continue
			}
			locs, err := parser.SitemapLocations(resp.Body)
			if err != nil {
				c.logger.Warn("sitemap parse failed", zap.String("sitemap", sitemap), zap.Error(err))
				continue
			}
			added := 0
			for _, loc := range locs {
				if ok, err := c.front.Enqueue(loc, "", 1); err == nil && ok {
					added++
				}
			}
			c.logger.Info("sitemap seeded", zap.String("sitemap", sitemap), zap.Int("urls", added))
		}
	}
}

func (c *Controller) pool() *dispatcher.Dispatcher {
	deps := worker.Deps{
		Frontier:  c.front,
		Robots:    c.deps.Robots,
		Cache:     c.deps.Cache,
		Fetcher:   c.deps.Fetcher,
		Extractor: c.deps.Extractor,
		HTML:      c.deps.HTML,
		Limiter:   c.deps.Limiter,
		Retry:     c.deps.Retry,
		Hasher:    c.deps.Hasher,
		Clock:     c.deps.Clock,
		Progress:  c.deps.Progress,
	}
	runners := make([]dispatcher.Runner, c.cfg.Workers)
	for i := range runners {
		runners[i] = worker.New(i, deps, c.cfg.Worker, c.logger.Named("worker"))
	}
	return dispatcher.New(runners...)
}

func (c *Controller) startCheckpointTicker(ctx context.Context) func() {
	if c.cfg.CheckpointInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.checkpoint(context.WithoutCancel(ctx)); err != nil {
					c.logger.Error("periodic checkpoint failed; retrying next tick", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (c *Controller) finish(ctx context.Context, resumed bool) Result {
	stats := c.front.Stats()
	end := StateCompleted
	c.mu.Lock()
	interrupted := c.interrupted || ctx.Err() != nil
	if interrupted && (stats.Pending > 0 || stats.InFlight > 0) {
		end = StateDraining
	}
	c.state = end
	c.mu.Unlock()

	outCtx := context.WithoutCancel(ctx)
	result := Result{
		SessionID:   c.SessionID(),
		State:       end,
		Interrupted: interrupted,
		Resumed:     resumed,
		Stats:       stats,
	}
	result.SnapshotErr = c.checkpoint(outCtx)
	if result.SnapshotErr != nil {
		c.logger.Error("final checkpoint failed", zap.Error(result.SnapshotErr))
	}
	result.ExportErr = c.export(outCtx)
	if result.ExportErr != nil {
		c.logger.Error("link export failed", zap.Error(result.ExportErr))
	}
	metrics.SetFrontier(stats.Pending, stats.InFlight, stats.Visited, stats.Failed)

	c.setState(StateTerminated)
	c.emit(progress.StageSessionDone, string(end))
	c.logger.Info("session terminated",
		zap.String("session_id", result.SessionID),
		zap.String("end_state", string(end)),
		zap.Bool("interrupted", interrupted),
		zap.Int("visited", stats.Visited),
		zap.Int("failed", stats.Failed),
		zap.Int("pending", stats.Pending),
		zap.Int("edges", stats.Edges))
	return result
}

// Snapshot builds the current checkpoint without writing it.
func (c *Controller) Snapshot() crawler.Snapshot {
	snap := crawler.Snapshot{
		Version:   crawler.SnapshotVersion,
		SessionID: c.SessionID(),
		Seeds:     append([]string(nil), c.cfg.Seeds...),
		CreatedAt: c.now(),
		Frontier:  c.front.Snapshot(),
	}
	if c.deps.Cache != nil {
		snap.Cache = c.deps.Cache.Entries()
	}
	return snap
}

func (c *Controller) checkpoint(ctx context.Context) error {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	err := c.deps.Snapshots.WriteSnapshot(ctx, c.Snapshot())
	metrics.ObserveCheckpoint(err)
	if err != nil {
		metrics.ObservePersistenceError("write_snapshot")
		c.emit(progress.StageCheckpoint, err.Error())
		return &crawler.PersistenceError{Op: "write snapshot", Err: err}
	}
	c.logger.Debug("checkpoint written")
	c.emit(progress.StageCheckpoint, "")
	return nil
}

func (c *Controller) emit(stage progress.Stage, note string) {
	if c.deps.Progress == nil {
		return
	}
	st := c.front.Stats()
	c.deps.Progress.Emit(progress.Event{
		SessionID: c.SessionID(),
		TS:        c.now(),
		Stage:     stage,
		Visited:   st.Visited,
		Failed:    st.Failed,
		Pending:   st.Pending,
		Note:      note,
	})
}

func (c *Controller) export(ctx context.Context) error {
	if c.deps.Links == nil {
		return nil
	}
	state := c.front.Snapshot()
	graph := crawler.LinkGraph{
		SessionID:     c.SessionID(),
		Host:          crawler.HostOf(c.cfg.Seeds[0]),
		GeneratedAt:   c.now(),
		Records:       state.Records,
		Edges:         state.Edges,
		ExternalHosts: state.ExternalHosts,
		ExternalLinks: state.ExternalLinks,
	}
	if err := c.deps.Links.WriteLinkData(ctx, graph); err != nil {
		metrics.ObservePersistenceError("write_link_data")
		return &crawler.PersistenceError{Op: "write link data", Err: err}
	}
	return nil
}

func (c *Controller) newID() (string, error) {
	if c.deps.IDs == nil {
		return fmt.Sprintf("session-%d", c.now().UnixNano()), nil
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id, nil
}

func (c *Controller) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) now() time.Time {
	if c.deps.Clock == nil {
		return time.Now().UTC()
	}
	return c.deps.Clock.Now()
}
