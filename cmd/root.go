// Package cmd defines and implements the CLI commands for the sitecrawler
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/app"
	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/logging"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

// envKeyType is the key for storing the runtime env in the context.
type envKeyType string

const envKey envKeyType = "env"

// env carries what PersistentPreRunE resolved to the subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// Crawler is what the crawl command drives. Tests inject a fake.
type Crawler interface {
	Run(ctx context.Context) (session.Result, error)
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, opts app.Options, logger *zap.Logger) (Crawler, error) {
	return app.New(ctx, cfg, opts, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitecrawler",
		Short: "A polite, resumable single-site web crawler.",
		Long: `sitecrawler walks every page of a site, honoring robots.txt and
crawl delays, and exports the link graph it discovers. Sessions checkpoint
their progress and can be resumed after an interruption.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE, so
		// subcommand flags take part in config resolution.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfgFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("read config flag: %w", err)
			}
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				File:        cfg.Logging.File,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().String("config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().Bool("debug", false, "enable development logging")
	cmd.PersistentFlags().String("log-file", "", "also write logs to this file")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSnapshotCmd())

	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
