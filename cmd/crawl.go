package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site or fetch a single page",
		Long: `Crawls every in-scope page reachable from --site, or fetches just
the page given by --page. An interrupt (Ctrl-C) drains in-flight work and
writes a snapshot; run again with --resume to continue.`,
		Example: `  sitecrawler crawl --site example.com
  sitecrawler crawl --site https://example.com/docs/ --gzip --workers 8
  sitecrawler crawl --page https://example.com/about --no-cache`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}

	flags := cmd.Flags()
	flags.String("site", "", "site to crawl: a host or URL")
	flags.String("page", "", "fetch only this page")
	flags.Bool("gzip", false, "gzip stored HTML pages")
	flags.Bool("no-cache", false, "disable the page cache")
	flags.Duration("cache-ttl", 24*time.Hour, "how long cached pages stay fresh")
	flags.Bool("resume", false, "resume from the last snapshot")
	flags.Int("workers", 4, "number of concurrent fetch workers")
	flags.String("output", "output", "output directory")
	cmd.MarkFlagsMutuallyExclusive("site", "page")
	cmd.MarkFlagsOneRequired("site", "page")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	opts, err := crawlOptions(cmd)
	if err != nil {
		return err
	}

	crawl, err := newApp(cmd.Context(), e.cfg, opts, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize crawl: %w", err)
	}
	defer crawl.Close()

	res, err := crawl.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run crawl: %w", err)
	}

	fields := []zap.Field{
		zap.String("session_id", res.SessionID),
		zap.String("state", string(res.State)),
		zap.Bool("resumed", res.Resumed),
		zap.Int("visited", res.Stats.Visited),
		zap.Int("failed", res.Stats.Failed),
		zap.Int("pending", res.Stats.Pending),
		zap.Int("edges", res.Stats.Edges),
	}
	if res.State == session.StateDraining {
		e.logger.Info("Crawl interrupted; resume with --resume", fields...)
	} else {
		e.logger.Info("Crawl finished", fields...)
	}
	return errors.Join(res.SnapshotErr, res.ExportErr)
}

func crawlOptions(cmd *cobra.Command) (app.Options, error) {
	flags := cmd.Flags()
	site, err := flags.GetString("site")
	if err != nil {
		return app.Options{}, fmt.Errorf("read site flag: %w", err)
	}
	page, err := flags.GetString("page")
	if err != nil {
		return app.Options{}, fmt.Errorf("read page flag: %w", err)
	}
	noCache, err := flags.GetBool("no-cache")
	if err != nil {
		return app.Options{}, fmt.Errorf("read no-cache flag: %w", err)
	}

	opts := app.Options{NoCache: noCache}
	switch {
	case page != "":
		seed, err := crawler.NormalizeURL(page)
		if err != nil {
			return app.Options{}, fmt.Errorf("invalid page %q: %w", page, err)
		}
		opts.Seeds = []string{seed}
		opts.SinglePage = true
	default:
		seed, err := crawler.SeedURL(site)
		if err != nil {
			return app.Options{}, fmt.Errorf("invalid site %q: %w", site, err)
		}
		opts.Seeds = []string{seed}
	}
	return opts, nil
}
