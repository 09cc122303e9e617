// Package ratelimit spaces out requests to the same host using a token bucket
// per host.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/sitecrawler/internal/metrics"
)

// Limiter manages per-host rate limits. It implements crawler.HostLimiter.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter
}

type hostLimiter struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// New creates a new Limiter.
func New() *Limiter {
	return &Limiter{limiters: make(map[string]*hostLimiter)}
}

// Wait blocks until host may be fetched again, allowing at most one request
// per interval. A non-positive interval never blocks. The first request to a
// host is immediate.
func (l *Limiter) Wait(ctx context.Context, host string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	limiter := l.forHost(strings.ToLower(host), interval)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not crawl-delay waits.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveCrawlDelay(host, waited)
	}
	return nil
}

func (l *Limiter) forHost(host string, interval time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.limiters[host]
	if !ok {
		h = &hostLimiter{
			interval: interval,
			limiter:  rate.NewLimiter(rate.Every(interval), 1),
		}
		l.limiters[host] = h
		return h.limiter
	}
	if h.interval != interval {
		h.interval = interval
		h.limiter.SetLimit(rate.Every(interval))
	}
	return h.limiter
}
