package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrAlreadyRunning   = errors.New("scraper is already running")
	ErrAdapterNotFound  = errors.New("unknown adapter")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrStopped          = errors.New("scrape has been stopped")
	ErrNotFound         = errors.New("not found")
	ErrInvalidStatus    = errors.New("invalid status value")
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrEmptyFeed        = errors.New("feed contained no items")
)

// FetchError wraps errors that occur while fetching a URL.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After on HTTP 429/503
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s (status %d, attempts %d): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s (attempts %d): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// ParseError wraps per-item feed parse failures. The item is dropped; the
// run continues.
type ParseError struct {
	Source string
	URL    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s) for %s: %v", e.Source, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StoreError wraps content-store failures. Non-duplicate store errors are
// fatal to the batch that raised them.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (%s): %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ErrorKind maps an error to the kind label recorded on run-log entries.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRobotsDisallowed):
		return "robots_disallowed"
	case errors.Is(err, context.Canceled), errors.Is(err, ErrStopped):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "fetch_timeout"
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode >= 400 {
			return "fetch_status"
		}
		return "fetch_network"
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return "parse"
	}
	var se *StoreError
	if errors.As(err, &se) {
		return "store"
	}
	return "internal"
}
