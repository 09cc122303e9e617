package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageCheckpoint   Stage = "CHECKPOINT"
	StageSessionDone  Stage = "SESSION_DONE"
	StagePageDone     Stage = "PAGE_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single unit of crawl progress.
type Event struct {
	// SessionID is required on session-level stages.
	SessionID string
	TS        time.Time
	Stage     Stage
	// Page fields.
	Site        string
	URL         string
	Status      crawler.Status
	StatusClass StatusClass
	Bytes       int64
	Cached      bool
	Dur         time.Duration
	// Session fields: frontier counts at the time of the event.
	Visited int
	Failed  int
	Pending int
	// Note carries low-volume context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageCheckpoint, StageSessionDone:
		if e.SessionID == "" {
			return fmt.Errorf("%s requires a session id", e.Stage)
		}
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page event requires url")
		}
		if e.Status != crawler.StatusVisited && e.Status != crawler.StatusFailed {
			return fmt.Errorf("page event has unfinished status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events. Zero means no
// response was received.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
