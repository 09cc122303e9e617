// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/frontier"
	"github.com/JakeFAU/sitecrawler/internal/worker"
)

// TestDispatcherRunWaitsForWorkers ensures Run blocks until every worker has returned.
func TestDispatcherRunWaitsForWorkers(t *testing.T) {
	t.Parallel()

	var finished atomic.Int32
	runners := make([]Runner, 4)
	for i := range runners {
		runners[i] = runnerFunc(func(ctx context.Context) {
			time.Sleep(10 * time.Millisecond)
			finished.Add(1)
		})
	}
	d := New(runners...)
	if d.Size() != 4 {
		t.Fatalf("expected 4 workers, got %d", d.Size())
	}

	d.Run(context.Background())
	if got := finished.Load(); got != 4 {
		t.Fatalf("expected all workers to finish, got %d", got)
	}
}

// TestDispatcherRunStopsOnCancel ensures workers blocked on ctx stop on cancel.
func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	d := New(runnerFunc(func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker did not start")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherPoolDrainsFrontier runs real workers against a shared frontier.
func TestDispatcherPoolDrainsFrontier(t *testing.T) {
	t.Parallel()

	front := frontier.New(frontier.Scope{Hosts: []string{"example.com"}, MaxDepth: -1}, nil)
	for _, u := range []string{"https://example.com/", "https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		if _, err := front.Enqueue(u, "", 0); err != nil {
			t.Fatalf("enqueue %s: %v", u, err)
		}
	}

	var fetches atomic.Int32
	deps := worker.Deps{
		Frontier: front,
		Fetcher: fetcherFunc(func(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
			fetches.Add(1)
			return crawler.FetchResponse{
				URL:        req.URL,
				StatusCode: http.StatusOK,
				Headers:    http.Header{"Content-Type": {"text/html"}},
				Body:       []byte("<html></html>"),
			}, nil
		}),
		Extractor: extractorFunc(func([]byte, string) (crawler.Extraction, error) {
			return crawler.Extraction{Links: []string{"https://example.com/1", "https://example.com/4"}}, nil
		}),
	}
	runners := make([]Runner, 3)
	for i := range runners {
		runners[i] = worker.New(i, deps, worker.Config{PollInterval: time.Millisecond}, zap.NewNop())
	}

	done := make(chan struct{})
	go func() {
		New(runners...).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain the frontier")
	}

	st := front.Stats()
	if st.Visited != 5 || st.Pending != 0 || st.InFlight != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if got := fetches.Load(); got != 5 {
		t.Fatalf("expected each url fetched once, got %d", got)
	}
}

type runnerFunc func(ctx context.Context)

func (f runnerFunc) Run(ctx context.Context) { f(ctx) }

type fetcherFunc func(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error)

func (f fetcherFunc) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return f(ctx, req)
}

type extractorFunc func([]byte, string) (crawler.Extraction, error)

func (f extractorFunc) Extract(body []byte, base string) (crawler.Extraction, error) {
	return f(body, base)
}
