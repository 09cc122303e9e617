// Package app builds the crawl session and its backends from configuration,
// acting as a dependency injection container for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/sitecrawler/internal/api"
	"github.com/JakeFAU/sitecrawler/internal/cache"
	"github.com/JakeFAU/sitecrawler/internal/clock"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitecrawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitecrawler/internal/hash"
	"github.com/JakeFAU/sitecrawler/internal/id/uuid"
	"github.com/JakeFAU/sitecrawler/internal/parser"
	"github.com/JakeFAU/sitecrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/sitecrawler/internal/progress"
	"github.com/JakeFAU/sitecrawler/internal/progress/sinks"
	"github.com/JakeFAU/sitecrawler/internal/robots"
	"github.com/JakeFAU/sitecrawler/internal/session"
	"github.com/JakeFAU/sitecrawler/internal/storage"
	"github.com/JakeFAU/sitecrawler/internal/storage/gcs"
	"github.com/JakeFAU/sitecrawler/internal/storage/local"
	"github.com/JakeFAU/sitecrawler/internal/storage/postgres"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

// Options are the per-invocation inputs that do not live in Config.
type Options struct {
	Seeds []string
	// SinglePage fetches the seeds only: no link following, no sitemaps.
	SinglePage bool
	NoCache    bool
	// GCSOptions are passed to the Cloud Storage client.
	GCSOptions []option.ClientOption
}

// App holds the session and the long-lived services it depends on.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	session *session.Controller
	server  *api.Server
	closers []func() error
}

// New builds every backend named by cfg and the session controller.
// Call Close when done, even after a failed Run.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Seeds) == 0 {
		return nil, errors.New("at least one seed is required")
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg
	clk := clock.New()
	safeHost := crawler.FileSafeHost(crawler.HostOf(opts.Seeds[0]))

	deps := session.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Crawler.UserAgent,
			Timeout:     cfg.Crawler.RequestTimeout,
			MaxBodySize: cfg.Crawler.MaxBodyBytes,
		}),
		Extractor: parser.New(cfg.Crawler.MaxLinks),
		Snapshots: local.NewSnapshotFile(cfg.ResolveSnapshotPath(safeHost)),
		Limiter:   ratelimit.New(),
		Retry:     crawler.NewRetryPolicy(cfg.Crawler.MaxAttempts, cfg.Crawler.BackoffInitial, cfg.Crawler.BackoffMax),
		Hasher:    hash.NewSHA256(),
		Clock:     clk,
		IDs:       uuid.New(),
		Robots: robots.New(robots.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Respect:   cfg.Crawler.RespectRobots,
			Timeout:   cfg.Crawler.RobotsTimeout,
		}, nil, clk, a.logger.Named("robots")),
	}

	hub := progress.NewHub(progress.Config{
		FlushInterval: cfg.Logging.ProgressInterval,
		Logger:        a.logger.Named("progress"),
	}, sinks.NewLogSink(a.logger.Named("progress"), cfg.Logging.Development))
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hub.Close(ctx)
	})
	deps.Progress = hub

	if cfg.Cache.Enabled && !opts.NoCache {
		pageCache, err := cache.New(cache.Config{
			Dir:      cfg.ResolveCacheDir(safeHost),
			TTL:      cfg.Cache.TTL,
			Refresh:  cfg.Cache.Refresh,
			Compress: cfg.Cache.Compress,
		}, clk, a.logger.Named("cache"))
		if err != nil {
			return fmt.Errorf("init cache: %w", err)
		}
		deps.Cache = pageCache
	}

	if cfg.Output.SaveHTML {
		html, err := a.htmlWriter(ctx, safeHost, opts.GCSOptions)
		if err != nil {
			return err
		}
		deps.HTML = html
	}

	links, err := a.linkWriters(ctx)
	if err != nil {
		return err
	}
	deps.Links = links

	sessCfg := session.Config{
		Seeds:              opts.Seeds,
		Resume:             cfg.Session.Resume,
		UseSitemaps:        cfg.Crawler.UseSitemaps && !opts.SinglePage,
		MaxDepth:           cfg.Crawler.MaxDepth,
		AllowExternal:      cfg.Crawler.AllowExternal,
		Workers:            cfg.Crawler.Workers,
		CheckpointInterval: cfg.Session.CheckpointInterval,
		Worker: worker.Config{
			Compress:     cfg.Output.Gzip,
			DefaultDelay: cfg.Crawler.Delay,
			FetchTimeout: cfg.Crawler.RequestTimeout,
		},
	}
	if opts.SinglePage {
		sessCfg.MaxDepth = 0
	}
	ctrl, err := session.New(sessCfg, deps, a.logger.Named("session"))
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	a.session = ctrl

	if cfg.Server.Enabled {
		a.server = api.NewServer(ctrl, api.Config{
			Addr:   cfg.Server.Addr,
			APIKey: cfg.Server.APIKey,
		}, a.logger.Named("api"))
	}
	return nil
}

func (a *App) htmlWriter(ctx context.Context, safeHost string, gcsOpts []option.ClientOption) (crawler.HTMLWriter, error) {
	switch a.cfg.Output.HTMLBackend {
	case config.BackendGCS:
		client, err := gcsstorage.NewClient(ctx, gcsOpts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs html store: %w", err)
		}
		a.logger.Info("storing pages in cloud storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: filepath.Join(a.cfg.Output.Dir, safeHost)})
		if err != nil {
			return nil, fmt.Errorf("init local html store: %w", err)
		}
		return store, nil
	}
}

func (a *App) linkWriters(ctx context.Context) (crawler.LinkWriter, error) {
	writers := storage.MultiLinkWriter{local.NewLinkFile(a.cfg.Output.Dir)}
	if a.cfg.Postgres.DSN == "" {
		return writers, nil
	}
	store, err := postgres.NewLinkStore(ctx, postgres.LinkStoreConfig{
		DSN:             a.cfg.Postgres.DSN,
		Table:           a.cfg.Postgres.Table,
		MaxConns:        a.cfg.Postgres.MaxConns,
		MinConns:        a.cfg.Postgres.MinConns,
		MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("init postgres link store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	if a.cfg.Postgres.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
	}
	a.logger.Info("exporting link graph to postgres", zap.String("table", a.cfg.Postgres.Table))
	return append(writers, store), nil
}

// Session exposes the controller, mainly for tests and status reporting.
func (a *App) Session() *session.Controller {
	return a.session
}

// Run crawls until the frontier is exhausted or the process is interrupted.
// SIGINT and SIGTERM start a drain; the status server, when enabled, runs
// for the lifetime of the crawl.
func (a *App) Run(ctx context.Context) (session.Result, error) {
	stopSignals := a.session.WatchSignals()
	defer stopSignals()

	serverCtx, stopServer := context.WithCancel(ctx)
	serverDone := make(chan struct{})
	if a.server != nil {
		go func() {
			defer close(serverDone)
			if err := a.server.ListenAndServe(serverCtx); err != nil {
				a.logger.Error("status server failed", zap.Error(err))
			}
		}()
	} else {
		close(serverDone)
	}

	res, err := a.session.Run(ctx)
	stopServer()
	<-serverDone
	if err != nil {
		return res, fmt.Errorf("run session: %w", err)
	}
	return res, nil
}

// Close releases backend connections. It is safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing backend", zap.Error(err))
		}
	}
	a.closers = nil
}
