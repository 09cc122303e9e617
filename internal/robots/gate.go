// Package robots enforces robots.txt directives per host. Each host's policy
// is fetched at most once per session; concurrent callers for an uncached
// host wait on the single in-flight fetch.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

const maxRobotsBytes = 1 << 20

// Config controls robots fetching.
type Config struct {
	UserAgent string
	Respect   bool
	Timeout   time.Duration
}

// Policy is the cached robots state for one host.
type Policy struct {
	Host       string
	StatusCode int
	FetchedAt  time.Time
	CrawlDelay time.Duration
	Sitemaps   []string
	group      *robotstxt.Group
}

// Test reports whether path (with query) may be fetched.
func (p *Policy) Test(path string) bool {
	if p == nil || p.group == nil {
		return true
	}
	return p.group.Test(path)
}

// Gate implements crawler.RobotsPolicy.
type Gate struct {
	cfg      Config
	client   *http.Client
	logger   *zap.Logger
	clock    crawler.Clock
	flight   singleflight.Group
	mu       sync.RWMutex
	policies map[string]*Policy
}

// New builds a Gate. A nil client gets a default one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, clock crawler.Clock, logger *zap.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		clock:    clock,
		policies: make(map[string]*Policy),
	}
}

// Allowed reports whether rawURL may be fetched by the configured agent.
func (g *Gate) Allowed(ctx context.Context, rawURL string) bool {
	if !g.cfg.Respect {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	policy := g.load(ctx, parsed)
	if policy.Test(parsed.RequestURI()) {
		return true
	}
	metrics.ObserveRobotsExcluded(parsed.Host)
	return false
}

// CrawlDelay returns the crawl-delay declared for host, if its policy has
// been loaded and declares one.
func (g *Gate) CrawlDelay(host string) (time.Duration, bool) {
	if !g.cfg.Respect {
		return 0, false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.policies[strings.ToLower(host)]
	if !ok || p.CrawlDelay <= 0 {
		return 0, false
	}
	return p.CrawlDelay, true
}

// Sitemaps returns the sitemap URLs declared in the robots.txt of the host
// serving rawURL. The policy is loaded when needed.
func (g *Gate) Sitemaps(ctx context.Context, rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return append([]string(nil), g.load(ctx, parsed).Sitemaps...)
}

// Policy returns the loaded policy for a host.
func (g *Gate) Policy(host string) (*Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.policies[strings.ToLower(host)]
	return p, ok
}

func (g *Gate) load(ctx context.Context, parsed *url.URL) *Policy {
	host := strings.ToLower(parsed.Host)
	if p, ok := g.Policy(host); ok {
		return p
	}
	v, _, _ := g.flight.Do(host, func() (any, error) {
		if p, ok := g.Policy(host); ok {
			return p, nil
		}
		p := g.fetch(ctx, parsed.Scheme, host)
		g.mu.Lock()
		g.policies[host] = p
		g.mu.Unlock()
		return p, nil
	})
	p, ok := v.(*Policy)
	if !ok {
		return &Policy{Host: host}
	}
	return p
}

// fetch never fails: any problem yields an allow-all policy.
func (g *Gate) fetch(ctx context.Context, scheme, host string) *Policy {
	policy := &Policy{Host: host, FetchedAt: g.now()}
	status, body, err := g.get(ctx, scheme, host)
	policy.StatusCode = status
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", host),
			zap.Error(&crawler.RobotsFetchError{Host: host, StatusCode: status, Err: err}))
		return policy
	}
	if status >= http.StatusBadRequest {
		g.logger.Debug("robots unavailable; allowing access", zap.String("host", host), zap.Int("status", status))
		return policy
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		g.logger.Warn("robots parse failed; allowing access",
			zap.String("host", host),
			zap.Error(&crawler.RobotsFetchError{Host: host, StatusCode: status, Err: err}))
		return policy
	}
	policy.group = data.FindGroup(g.cfg.UserAgent)
	if policy.group != nil {
		policy.CrawlDelay = policy.group.CrawlDelay
	}
	policy.Sitemaps = append([]string(nil), data.Sitemaps...)
	g.logger.Debug("robots loaded",
		zap.String("host", host),
		zap.Duration("crawl_delay", policy.CrawlDelay),
		zap.Int("sitemaps", len(policy.Sitemaps)))
	return policy
}

func (g *Gate) get(ctx context.Context, scheme, host string) (int, []byte, error) {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read robots body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (g *Gate) now() time.Time {
	if g.clock == nil {
		return time.Now().UTC()
	}
	return g.clock.Now()
}
