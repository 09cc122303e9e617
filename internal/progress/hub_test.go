package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// TestHubBatchBySize verifies the hub flushes once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		FlushInterval:  time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(pageEvent("https://example.test/a"))
	hub.Emit(pageEvent("https://example.test/b"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubFlushInterval verifies small batches are flushed periodically.
func TestHubFlushInterval(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		FlushInterval:  25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(pageEvent("https://example.test/"))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlocking asserts Emit never blocks callers when the buffer is full.
func TestHubEmitNonBlocking(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{}.withDefaults(),
		events: make(chan Event),
	}
	start := time.Now()
	hub.Emit(pageEvent("https://example.test/"))
	hub.Emit(pageEvent("https://example.test/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), hub.Dropped(), "first drop is reported, second is counted")
}

// TestHubFlushOnClose ensures Close drains buffered events and closes sinks.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		FlushInterval:  time.Minute,
	}, sink)

	hub.Emit(pageEvent("https://example.test/"))
	hub.Emit(Event{SessionID: "s1", TS: time.Now(), Stage: StageSessionDone})

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 2)
	assert.True(t, sink.Closed())

	hub.Emit(pageEvent("https://example.test/late"))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

// TestHubDiscardsInvalidEvents checks validation at the Emit boundary.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{FlushInterval: time.Minute}, sink)
	hub.Emit(Event{Stage: StagePageDone})
	hub.Emit(Event{TS: time.Now(), Stage: StageSessionStart})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"page", pageEvent("https://example.test/"), true},
		{"no timestamp", Event{Stage: StagePageDone, URL: "u", Status: crawler.StatusVisited}, false},
		{"page without url", Event{TS: now, Stage: StagePageDone, Status: crawler.StatusVisited}, false},
		{"page still pending", Event{TS: now, Stage: StagePageDone, URL: "u", Status: crawler.StatusPending}, false},
		{"session", Event{TS: now, Stage: StageCheckpoint, SessionID: "s"}, true},
		{"session without id", Event{TS: now, Stage: StageSessionDone}, false},
		{"unknown stage", Event{TS: now, Stage: "NOPE"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Status2xx, ClassifyStatus(200))
	assert.Equal(t, Status3xx, ClassifyStatus(304))
	assert.Equal(t, Status4xx, ClassifyStatus(404))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func pageEvent(url string) Event {
	return Event{
		TS:          time.Now(),
		Stage:       StagePageDone,
		URL:         url,
		Site:        "example.test",
		Status:      crawler.StatusVisited,
		StatusClass: Status2xx,
	}
}
