// Package dispatcher manages worker fan-out over the frontier.
package dispatcher

import (
	"context"
	"sync"
)

// Runner is a unit of work that loops until ctx finishes or it runs dry.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans frontier work out to a pool of workers.
type Dispatcher struct {
	workers []Runner
}

// New creates a Dispatcher.
func New(workers ...Runner) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one of them has returned.
// Workers return on their own once the frontier is exhausted, so Run does not
// require ctx to be canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	wg.Wait()
}
