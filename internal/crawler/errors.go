package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrRobotsExcluded marks a URL disallowed by the host's robots.txt.
	ErrRobotsExcluded = errors.New("robots excluded")
	// ErrUnsupportedScheme is returned for links that are not http(s).
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrSnapshotNotFound is returned when no checkpoint has been written yet.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrUnknownURL is returned when completing a URL the frontier never issued.
	ErrUnknownURL = errors.New("unknown url")
)

// NetworkError wraps a failed page fetch. Retryable errors cover transport
// failures and server-side statuses (5xx, 429).
type NetworkError struct {
	URL        string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RobotsFetchError reports a robots.txt that could not be fetched or parsed.
// The host is treated as unrestricted.
type RobotsFetchError struct {
	Host       string
	StatusCode int
	Err        error
}

func (e *RobotsFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("robots %s: status %d", e.Host, e.StatusCode)
	}
	return fmt.Sprintf("robots %s: %v", e.Host, e.Err)
}

func (e *RobotsFetchError) Unwrap() error { return e.Err }

// ParseError reports a page body the link extractor could not parse.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError reports a failed output or snapshot write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a NetworkError flagged as retryable.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Retryable
	}
	return false
}
