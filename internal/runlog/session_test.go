package runlog

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/wmhub/wmscraper/internal/feeds"
	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

// Sessions are handed to collectors as their error sink.
var _ feeds.Reporter = (*Session)(nil)

var testLogger = slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func beginSession(t *testing.T) (*Session, *store.MemoryRunLogs) {
	t.Helper()
	st := store.NewMemoryRunLogs()
	s, err := Begin(context.Background(), st, Options{
		Adapter:   "news",
		Source:    "Google News",
		SourceURL: "https://news.google.com/rss",
		GroupID:   "group-1",
		Trigger:   types.TriggerManual,
		Caller:    "test",
	}, testLogger)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return s, st
}

// --- Lifecycle Tests ---

func TestBeginOpensRunningSession(t *testing.T) {
	s, st := beginSession(t)
	if s.ID() == "" {
		t.Fatal("session id should not be empty")
	}

	stored, err := st.ByID(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("ByID() error = %v", err)
	}
	if stored.Status != types.RunRunning {
		t.Errorf("Status = %q, want running at open", stored.Status)
	}
	if stored.Adapter != "news" || stored.GroupID != "group-1" || stored.TriggeredBy != types.TriggerManual {
		t.Errorf("stored = %+v, want the options stamped on", stored)
	}
	if stored.Errors == nil || stored.Warnings == nil {
		t.Error("error and warning lists should be initialized, not null")
	}
}

func TestCompletePersistsTerminalState(t *testing.T) {
	s, st := beginSession(t)
	s.AddResults(types.Results{Found: 3, Inserted: 2, Updated: 1})
	s.AddWarning("feed returned no items", "https://example.com/feed")
	s.SetRateLimit(types.RateLimitSummary{WasThrottled: true, ThrottleCount: 2, TotalDelayMs: 40})

	if err := s.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.Status != types.RunCompleted {
		t.Errorf("Status = %q, want completed", stored.Status)
	}
	if stored.EndedAt == nil {
		t.Fatal("EndedAt should be set")
	}
	if stored.DurationMs < 0 {
		t.Errorf("DurationMs = %d, want non-negative", stored.DurationMs)
	}
	if stored.Results.Found != 3 || stored.Results.Inserted != 2 {
		t.Errorf("Results = %+v, want accumulated counters", stored.Results)
	}
	if len(stored.Warnings) != 1 || stored.Warnings[0].URL != "https://example.com/feed" {
		t.Errorf("Warnings = %+v", stored.Warnings)
	}
	if !stored.RateLimit.WasThrottled || stored.RateLimit.ThrottleCount != 2 {
		t.Errorf("RateLimit = %+v", stored.RateLimit)
	}
}

func TestCompleteWithFailuresIsPartial(t *testing.T) {
	s, st := beginSession(t)
	s.AddResults(types.Results{Found: 2, Inserted: 2, Failed: 1, URLsFailed: 1})
	s.AddError("fetch_status", "HTTP 503", "https://example.com/feed", 3)

	if err := s.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.Status != types.RunPartial {
		t.Errorf("Status = %q, want partial when sources hard-failed", stored.Status)
	}
	if len(stored.Errors) != 1 || stored.Errors[0].Kind != "fetch_status" || stored.Errors[0].RetryCount != 3 {
		t.Errorf("Errors = %+v", stored.Errors)
	}
}

func TestFailRecordsFinalError(t *testing.T) {
	s, st := beginSession(t)
	if err := s.Fail(context.Background(), &types.StoreError{Op: "bulk upsert", Err: errors.New("connection reset")}); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.Status != types.RunFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
	if len(stored.Errors) != 1 || stored.Errors[0].Kind != "store" {
		t.Errorf("Errors = %+v, want one store-kind entry", stored.Errors)
	}
}

func TestFailPanicKeepsStack(t *testing.T) {
	s, st := beginSession(t)
	if err := s.FailPanic(context.Background(), "boom", []byte("goroutine 1 [running]")); err != nil {
		t.Fatalf("FailPanic() error = %v", err)
	}
	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.Status != types.RunFailed {
		t.Errorf("Status = %q, want failed", stored.Status)
	}
	if len(stored.Errors) != 1 || stored.Errors[0].Stack == "" {
		t.Errorf("Errors = %+v, want the stack preserved", stored.Errors)
	}
}

func TestCancelKeepsAccumulatedCounters(t *testing.T) {
	s, st := beginSession(t)
	s.AddResults(types.Results{Found: 5, Inserted: 4})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Terminal writes must survive a dead run context.
	if err := s.Cancel(ctx); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.Status != types.RunCancelled {
		t.Errorf("Status = %q, want cancelled", stored.Status)
	}
	if stored.Results.Found != 5 || stored.Results.Inserted != 4 {
		t.Errorf("Results = %+v, want counters kept on cancellation", stored.Results)
	}
}

// --- First Terminal Wins Tests ---

func TestFirstTerminalWins(t *testing.T) {
	s, st := beginSession(t)
	if err := s.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := s.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() after Complete() error = %v", err)
	}
	if err := s.Fail(context.Background(), errors.New("late")); err != nil {
		t.Fatalf("Fail() after Complete() error = %v", err)
	}

	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.Status != types.RunCompleted {
		t.Errorf("Status = %q, want the first terminal transition to stick", stored.Status)
	}
	if len(stored.Errors) != 0 {
		t.Errorf("Errors = %+v, want late Fail() to be a no-op", stored.Errors)
	}
}

func TestMutatorsAreNoOpsAfterTerminal(t *testing.T) {
	s, _ := beginSession(t)
	s.Complete(context.Background())

	s.AddResults(types.Results{Found: 10})
	s.AddError("fetch_network", "late error", "https://example.com", 0)
	s.AddWarning("late warning", "")
	s.SetPerformance(types.Performance{TotalRequests: 99})

	snap := s.Snapshot()
	if snap.Results.Found != 0 {
		t.Errorf("Found = %d, want post-terminal AddResults ignored", snap.Results.Found)
	}
	if len(snap.Errors) != 0 || len(snap.Warnings) != 0 {
		t.Error("post-terminal error/warning appends should be ignored")
	}
	if snap.Performance.TotalRequests != 0 {
		t.Error("post-terminal SetPerformance should be ignored")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _ := beginSession(t)
	s.AddError("parse", "bad xml", "https://example.com/feed", 0)

	snap := s.Snapshot()
	snap.Errors[0].Message = "mutated"
	snap.Results.Found = 42

	if got := s.Snapshot(); got.Errors[0].Message != "bad xml" || got.Results.Found != 0 {
		t.Error("Snapshot() must not share state with the session")
	}
	if err := s.Complete(context.Background()); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestDurationTracksWallClock(t *testing.T) {
	s, st := beginSession(t)
	time.Sleep(5 * time.Millisecond)
	s.Complete(context.Background())

	stored, _ := st.ByID(context.Background(), s.ID())
	if stored.DurationMs < 5 {
		t.Errorf("DurationMs = %d, want at least the slept 5ms", stored.DurationMs)
	}
}
