package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFetchErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	fe := &FetchError{URL: "https://example.com", Attempts: 3, Err: inner, Retryable: true}

	if !errors.Is(fe, inner) {
		t.Error("FetchError should unwrap to inner error")
	}
	if !fe.IsRetryable() {
		t.Error("expected retryable")
	}

	var target *FetchError
	wrapped := fmt.Errorf("adapter news: %w", fe)
	if !errors.As(wrapped, &target) {
		t.Error("errors.As should find FetchError through wrapping")
	}
	if target.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", target.Attempts)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{ErrRobotsDisallowed, "robots_disallowed"},
		{fmt.Errorf("wrap: %w", ErrRobotsDisallowed), "robots_disallowed"},
		{context.Canceled, "cancelled"},
		{ErrStopped, "cancelled"},
		{context.DeadlineExceeded, "fetch_timeout"},
		{&FetchError{URL: "u", StatusCode: 503, Err: errors.New("status")}, "fetch_status"},
		{&FetchError{URL: "u", Err: errors.New("dial tcp")}, "fetch_network"},
		{&ParseError{Source: "s", Err: errors.New("bad xml")}, "parse"},
		{&StoreError{Op: "bulkUpsert", Err: errors.New("down")}, "store"},
		{errors.New("anything else"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.kind {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.kind)
		}
	}
}
