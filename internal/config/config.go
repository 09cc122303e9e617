// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backends for page HTML.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Output   OutputConfig   `mapstructure:"output"`
	Session  SessionConfig  `mapstructure:"session"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
}

// CrawlerConfig governs fetching, politeness and scope.
type CrawlerConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Workers        int           `mapstructure:"workers"`
	MaxDepth       int           `mapstructure:"max_depth"`
	AllowExternal  bool          `mapstructure:"allow_external"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	UseSitemaps    bool          `mapstructure:"use_sitemaps"`
	Delay          time.Duration `mapstructure:"delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RobotsTimeout  time.Duration `mapstructure:"robots_timeout"`
	MaxBodyBytes   int           `mapstructure:"max_body_bytes"`
	MaxLinks       int           `mapstructure:"max_links"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// CacheConfig controls the page cache.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Memory keeps entries in memory only; they are not restored on resume.
	Memory   bool          `mapstructure:"memory"`
	Dir      string        `mapstructure:"dir"`
	TTL      time.Duration `mapstructure:"ttl"`
	Refresh  bool          `mapstructure:"refresh"`
	Compress bool          `mapstructure:"compress"`
}

// OutputConfig selects where pages and link exports go.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	Gzip        bool   `mapstructure:"gzip"`
	HTMLBackend string `mapstructure:"html_backend"`
	SaveHTML    bool   `mapstructure:"save_html"`
}

// SessionConfig controls checkpointing.
type SessionConfig struct {
	SnapshotPath       string        `mapstructure:"snapshot_path"`
	Resume             bool          `mapstructure:"resume"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// StorageConfig configures the Cloud Storage HTML backend.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PostgresConfig configures the optional link graph sink. An empty DSN
// disables it.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`

	// ProgressInterval is how often a progress summary is logged.
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	APIKey  string `mapstructure:"api_key"`
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"debug":     "logging.development",
	"log-file":  "logging.file",
	"gzip":      "output.gzip",
	"output":    "output.dir",
	"cache-ttl": "cache.ttl",
	"resume":    "session.resume",
	"workers":   "crawler.workers",
}

// Load builds a Config from defaults, an optional file, the environment
// and any flags in flags that were set on the command line.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.user_agent", "sitecrawler/1.0 (+https://github.com/JakeFAU/sitecrawler)")
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.max_depth", -1)
	v.SetDefault("crawler.allow_external", false)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.use_sitemaps", true)
	v.SetDefault("crawler.delay", "1s")
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.robots_timeout", "10s")
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.max_links", 0)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.backoff_initial", "250ms")
	v.SetDefault("crawler.backoff_max", "5s")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.memory", false)
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.refresh", false)
	v.SetDefault("cache.compress", false)
	v.SetDefault("output.dir", "output")
	v.SetDefault("output.gzip", false)
	v.SetDefault("output.html_backend", BackendLocal)
	v.SetDefault("output.save_html", true)
	v.SetDefault("session.snapshot_path", "")
	v.SetDefault("session.resume", false)
	v.SetDefault("session.checkpoint_interval", "30s")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("postgres.table", "crawl")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.ensure_schema", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.progress_interval", "5s")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.addr", ":9090")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.UserAgent == "" {
		return errors.New("crawler.user_agent must be set")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxAttempts < 0 {
		return fmt.Errorf("crawler.max_attempts must be >= 0")
	}
	if c.Output.Dir == "" {
		return errors.New("output.dir must be set")
	}
	switch c.Output.HTMLBackend {
	case BackendLocal:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return errors.New("storage.gcs_bucket must be set when output.html_backend is gcs")
		}
	default:
		return fmt.Errorf("output.html_backend %q must be %q or %q", c.Output.HTMLBackend, BackendLocal, BackendGCS)
	}
	if c.Session.CheckpointInterval < 0 {
		return fmt.Errorf("session.checkpoint_interval must be >= 0")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("server.addr must be set when the server is enabled")
	}
	return nil
}

// ResolveCacheDir returns the on-disk cache directory for a crawl of host,
// or "" when cache.memory is set. An unset cache.dir defaults to
// <output.dir>/.cache/<host> so cached pages survive a resume.
func (c Config) ResolveCacheDir(safeHost string) string {
	switch {
	case c.Cache.Memory:
		return ""
	case c.Cache.Dir != "":
		return c.Cache.Dir
	}
	return filepath.Join(c.Output.Dir, ".cache", safeHost)
}

// ResolveSnapshotPath returns the snapshot location for a crawl of host.
// An unset session.snapshot_path defaults to <output.dir>/<host>.snapshot.json.
func (c Config) ResolveSnapshotPath(safeHost string) string {
	if c.Session.SnapshotPath != "" {
		return c.Session.SnapshotPath
	}
	return filepath.Join(c.Output.Dir, safeHost+".snapshot.json")
}
