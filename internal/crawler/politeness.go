package crawler

import (
	"context"
	"time"
)

// Pause blocks for delay or until ctx is done. It reports whether the full
// delay elapsed.
func Pause(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
