package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 40*time.Millisecond)
	transient := &NetworkError{URL: "https://example.test/", Retryable: true, Err: errors.New("connection refused")}
	terminal := &NetworkError{URL: "https://example.test/", StatusCode: 404, Err: errors.New("not found")}

	require.True(t, p.ShouldRetry(transient, 1))
	require.True(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", transient), 2))
	require.False(t, p.ShouldRetry(transient, 3), "attempt budget exhausted")
	require.False(t, p.ShouldRetry(terminal, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(errors.New("plain"), 1))
	require.Equal(t, 3, p.MaxAttempts())
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(5, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestNewRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.Equal(t, 250*time.Millisecond, p.baseDelay)
	require.Equal(t, 5*time.Second, p.maxDelay)
}
