package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// Totals are the running page counts a LogSink has seen.
type Totals struct {
	Visited int
	Failed  int
	Cached  int
	Bytes   int64
}

// LogSink writes one summary line per batch of page events and one line per
// session event. With Verbose set every page is also logged at debug level.
type LogSink struct {
	logger  *zap.Logger
	verbose bool

	mu     sync.Mutex
	totals Totals
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger, verbose bool) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, verbose: verbose}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pages, bytes int64
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StagePageDone:
			pages++
			bytes += evt.Bytes
			s.countPage(evt)
		case progress.StageSessionStart:
			s.logger.Info("session started",
				zap.String("session_id", evt.SessionID),
				zap.Int("pending", evt.Pending),
				zap.Int("visited", evt.Visited),
				zap.String("mode", evt.Note))
		case progress.StageCheckpoint:
			fields := []zap.Field{
				zap.String("session_id", evt.SessionID),
				zap.Int("visited", evt.Visited),
				zap.Int("pending", evt.Pending),
			}
			if evt.Note != "" {
				s.logger.Warn("checkpoint failed", append(fields, zap.String("error", evt.Note))...)
			} else {
				s.logger.Debug("checkpoint written", fields...)
			}
		case progress.StageSessionDone:
			s.logger.Info("session finished",
				zap.String("session_id", evt.SessionID),
				zap.String("state", evt.Note),
				zap.Int("visited", evt.Visited),
				zap.Int("failed", evt.Failed),
				zap.Int("pending", evt.Pending))
		}
	}
	if pages > 0 {
		s.logger.Info("crawl progress",
			zap.Int64("pages", pages),
			zap.Int64("bytes", bytes),
			zap.Int("total_visited", s.totals.Visited),
			zap.Int("total_failed", s.totals.Failed),
			zap.Int("total_cached", s.totals.Cached))
	}
	return nil
}

func (s *LogSink) countPage(evt progress.Event) {
	switch evt.Status {
	case crawler.StatusVisited:
		s.totals.Visited++
	case crawler.StatusFailed:
		s.totals.Failed++
	}
	if evt.Cached {
		s.totals.Cached++
	}
	s.totals.Bytes += evt.Bytes
	if s.verbose {
		s.logger.Debug("page done",
			zap.String("url", evt.URL),
			zap.String("status", string(evt.Status)),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Bool("cached", evt.Cached),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note))
	}
}

// Totals returns the running counts.
func (s *LogSink) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Close implements progress.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
