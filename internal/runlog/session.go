// Package runlog owns the durable record of one scraping session. A Session
// opens its document in the running state, accumulates counters, errors and
// warnings while the run progresses, and transitions exactly once to a
// terminal state. Post-terminal mutations are no-ops; the first terminal
// transition wins both locally and in the store.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

// persistTimeout bounds every store write. Terminal writes detach from the
// run context so a cancelled run can still persist its partial results.
const persistTimeout = 10 * time.Second

// Options describes the session being opened.
type Options struct {
	Adapter   string
	Source    string
	SourceURL string
	GroupID   string
	Trigger   types.Trigger
	Caller    string
	Config    types.RunConfig
}

// Session is the live handle on one run-log document. It is owned by a
// single run; the mutators are safe for the run's internal concurrency.
type Session struct {
	store  store.RunLogStore
	logger *slog.Logger

	mu  sync.Mutex
	doc types.RunLog
}

// Begin inserts a new run-log document in the running state and returns its
// session. The session id is a fresh ObjectID, monotonic by creation time.
func Begin(ctx context.Context, st store.RunLogStore, opts Options, logger *slog.Logger) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		store:  st,
		logger: logger.With("component", "runlog"),
		doc: types.RunLog{
			SessionID:   primitive.NewObjectID().Hex(),
			GroupID:     opts.GroupID,
			Adapter:     opts.Adapter,
			Source:      opts.Source,
			SourceURL:   opts.SourceURL,
			Status:      types.RunRunning,
			StartedAt:   now,
			Errors:      []types.RunError{},
			Warnings:    []types.RunWarning{},
			Config:      opts.Config,
			TriggeredBy: opts.Trigger,
			Caller:      opts.Caller,
		},
	}

	s.mu.Lock()
	doc := s.snapshotLocked()
	s.mu.Unlock()

	insertCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := st.Insert(insertCtx, doc); err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	s.logger.Info("session started",
		"sessionId", s.doc.SessionID,
		"adapter", opts.Adapter,
		"trigger", string(opts.Trigger),
	)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.SessionID
}

// Snapshot returns a copy of the current document.
func (s *Session) Snapshot() types.RunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.snapshotLocked()
}

// AddResults merges a counter delta into the session's results.
func (s *Session) AddResults(d types.Results) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status.Terminal() {
		return
	}
	s.doc.Results.Add(d)
}

// AddError appends an entry to the session's error list. It satisfies the
// collector's Reporter contract.
func (s *Session) AddError(kind, message, url string, retryCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status.Terminal() {
		return
	}
	s.doc.Errors = append(s.doc.Errors, types.RunError{
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		Message:    message,
		URL:        url,
		RetryCount: retryCount,
	})
}

// AddWarning appends an entry to the session's warning list.
func (s *Session) AddWarning(message, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status.Terminal() {
		return
	}
	s.doc.Warnings = append(s.doc.Warnings, types.RunWarning{
		Timestamp: time.Now().UTC(),
		Message:   message,
		URL:       url,
	})
}

// SetPerformance records the run's performance aggregates.
func (s *Session) SetPerformance(p types.Performance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status.Terminal() {
		return
	}
	s.doc.Performance = p
}

// SetRateLimit records the run's rate-limiting summary.
func (s *Session) SetRateLimit(r types.RateLimitSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status.Terminal() {
		return
	}
	s.doc.RateLimit = r
}

// SetRobots records the run's robots.txt summary.
func (s *Session) SetRobots(r types.RobotsSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Status.Terminal() {
		return
	}
	s.doc.Robots = r
}

// Complete closes the session as completed, or as partial when the run
// accumulated hard source failures.
func (s *Session) Complete(ctx context.Context) error {
	status := types.RunCompleted
	s.mu.Lock()
	if s.doc.Results.Failed > 0 {
		status = types.RunPartial
	}
	s.mu.Unlock()
	return s.terminal(ctx, status, nil)
}

// Fail closes the session as failed, recording err as its final error.
func (s *Session) Fail(ctx context.Context, err error) error {
	entry := &types.RunError{
		Timestamp: time.Now().UTC(),
		Kind:      types.ErrorKind(err),
		Message:   err.Error(),
	}
	return s.terminal(ctx, types.RunFailed, entry)
}

// FailPanic closes the session as failed after a recovered panic, keeping
// the stack on the error entry.
func (s *Session) FailPanic(ctx context.Context, recovered any, stack []byte) error {
	entry := &types.RunError{
		Timestamp: time.Now().UTC(),
		Kind:      "internal",
		Message:   fmt.Sprintf("panic: %v", recovered),
		Stack:     string(stack),
	}
	return s.terminal(ctx, types.RunFailed, entry)
}

// Cancel closes the session as cancelled. Counters accumulated before the
// cancellation stay on the document.
func (s *Session) Cancel(ctx context.Context) error {
	return s.terminal(ctx, types.RunCancelled, nil)
}

// terminal applies the first terminal transition and persists the final
// document. Later calls return nil without touching anything.
func (s *Session) terminal(ctx context.Context, status types.RunStatus, entry *types.RunError) error {
	s.mu.Lock()
	if s.doc.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if entry != nil {
		s.doc.Errors = append(s.doc.Errors, *entry)
	}
	now := time.Now().UTC()
	s.doc.Status = status
	s.doc.EndedAt = &now
	s.doc.DurationMs = now.Sub(s.doc.StartedAt).Milliseconds()
	doc := s.snapshotLocked()
	s.mu.Unlock()

	// Detached from the run context: a stopped run still records its end.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.Update(persistCtx, doc); err != nil {
		s.logger.Error("failed to persist run log",
			"sessionId", doc.SessionID,
			"status", string(status),
			"error", err.Error(),
		)
		return err
	}
	s.logger.Info("session closed",
		"sessionId", doc.SessionID,
		"adapter", doc.Adapter,
		"status", string(status),
		"found", doc.Results.Found,
		"inserted", doc.Results.Inserted,
		"failed", doc.Results.Failed,
		"duration", time.Duration(doc.DurationMs)*time.Millisecond,
	)
	return nil
}

// snapshotLocked deep-copies the document. The error and warning lists stay
// initialized so they serialize as [] rather than null. Callers hold s.mu.
func (s *Session) snapshotLocked() *types.RunLog {
	doc := s.doc
	doc.Errors = make([]types.RunError, len(s.doc.Errors))
	copy(doc.Errors, s.doc.Errors)
	doc.Warnings = make([]types.RunWarning, len(s.doc.Warnings))
	copy(doc.Warnings, s.doc.Warnings)
	doc.Config.Keywords = append([]string(nil), s.doc.Config.Keywords...)
	if s.doc.EndedAt != nil {
		t := *s.doc.EndedAt
		doc.EndedAt = &t
	}
	return &doc
}
