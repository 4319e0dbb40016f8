// Package scraper orchestrates adapter runs. A run executes one or all
// registered adapters concurrently, each with its own run-log session and
// collector; results funnel into the content store and the process metrics.
// At most one run is active per process.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/feeds"
	"github.com/wmhub/wmscraper/internal/fetcher"
	"github.com/wmhub/wmscraper/internal/logging"
	"github.com/wmhub/wmscraper/internal/observability"
	"github.com/wmhub/wmscraper/internal/ratelimit"
	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/runlog"
	"github.com/wmhub/wmscraper/internal/store"
	"github.com/wmhub/wmscraper/internal/types"
)

// maxStateError caps the error message kept on an adapter state entry.
const maxStateError = 500

// AdapterState is the live status of one adapter in the current or most
// recent run.
type AdapterState struct {
	Status    types.RunStatus `json:"status"`
	StartedAt *time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// AdapterInfo describes a registered adapter.
type AdapterInfo struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Sources  []string `json:"sources,omitempty"`
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	IsRunning     bool                    `json:"isRunning"`
	LastRun       *time.Time              `json:"lastRun,omitempty"`
	Adapters      map[string]AdapterState `json:"adapters"`
	TotalScraped  int64                   `json:"totalScraped"`
	TotalInserted int64                   `json:"totalInserted"`
	TotalErrors   int64                   `json:"totalErrors"`
	RateLimit     ratelimit.Stats         `json:"rateLimit"`
	Gate          ratelimit.GateStats     `json:"gate"`
	Robots        robots.Stats            `json:"robots"`
}

// Params wires the orchestrator's collaborators.
type Params struct {
	Config   *config.Config
	Registry *feeds.Registry
	Client   *fetcher.Client
	Robots   *robots.Cache
	Limiter  *ratelimit.Limiter
	Gate     *ratelimit.Gate
	Content  store.ContentStore
	RunLogs  store.RunLogStore
	Metrics  *observability.Metrics
	Logs     *logging.Logs
	Logger   *slog.Logger
}

// Scraper runs adapters and owns the single-flight run state.
type Scraper struct {
	cfg      *config.Config
	registry *feeds.Registry
	client   *fetcher.Client
	robots   *robots.Cache
	limiter  *ratelimit.Limiter
	gate     *ratelimit.Gate
	content  store.ContentStore
	runLogs  store.RunLogStore
	metrics  *observability.Metrics
	logs     *logging.Logs
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	states  map[string]*AdapterState
	lastRun *time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	totalScraped  atomic.Int64
	totalInserted atomic.Int64
	totalErrors   atomic.Int64
}

// New creates the orchestrator. Every registered adapter starts out with a
// pending state entry.
func New(p Params) *Scraper {
	logger := p.Logger
	if logger == nil && p.Logs != nil {
		logger = p.Logs.Scraper
	}
	s := &Scraper{
		cfg:      p.Config,
		registry: p.Registry,
		client:   p.Client,
		robots:   p.Robots,
		limiter:  p.Limiter,
		gate:     p.Gate,
		content:  p.Content,
		runLogs:  p.RunLogs,
		metrics:  p.Metrics,
		logs:     p.Logs,
		logger:   logger.With("component", "scraper"),
		states:   make(map[string]*AdapterState),
	}
	for _, name := range p.Registry.Names() {
		s.states[name] = &AdapterState{Status: types.RunPending}
	}
	return s
}

// StartAll launches every registered adapter concurrently and returns the
// run's group id without waiting. Only one run may be active at a time.
func (s *Scraper) StartAll(trigger types.Trigger, caller string) (string, error) {
	adapters := s.registry.All()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return "", types.ErrAlreadyRunning
	}
	groupID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	tasks := make([]runTask, 0, len(adapters))
	for _, adapter := range adapters {
		st := &AdapterState{Status: types.RunPending}
		s.states[adapter.Name()] = st
		tasks = append(tasks, runTask{adapter: adapter, state: st})
	}
	s.mu.Unlock()

	s.resetRunCounters()
	s.logger.Info("scrape run starting",
		"groupId", groupID,
		"adapters", len(adapters),
		"trigger", string(trigger),
		"caller", caller,
	)

	go func() {
		defer s.finishRun(done, cancel)
		var g errgroup.Group
		for _, task := range tasks {
			task := task
			g.Go(func() error {
				// Adapter failures land on their run log; the group only
				// coordinates completion.
				s.runAdapter(ctx, task, trigger, caller, groupID)
				return nil
			})
		}
		g.Wait()
		s.cleanup()
	}()
	return groupID, nil
}

// StartOne launches a single adapter by name.
func (s *Scraper) StartOne(name string, trigger types.Trigger, caller string) (string, error) {
	adapter, ok := s.registry.Get(name)
	if !ok {
		return "", types.ErrAdapterNotFound
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return "", types.ErrAlreadyRunning
	}
	groupID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	st := &AdapterState{Status: types.RunPending}
	s.states[adapter.Name()] = st
	s.mu.Unlock()

	s.resetRunCounters()
	s.logger.Info("scrape run starting",
		"groupId", groupID,
		"adapter", adapter.Name(),
		"trigger", string(trigger),
		"caller", caller,
	)

	go func() {
		defer s.finishRun(done, cancel)
		s.runAdapter(ctx, runTask{adapter: adapter, state: st}, trigger, caller, groupID)
	}()
	return groupID, nil
}

// Stop cancels the active run. Cancellation is cooperative: in-flight
// fetches complete or time out, sessions persist their partial results.
func (s *Scraper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
	now := time.Now().UTC()
	for _, st := range s.states {
		if !st.Status.Terminal() {
			st.Status = types.RunCancelled
			st.EndedAt = &now
		}
	}
	s.mu.Unlock()
	s.logger.Info("stop requested, cancelling in-flight work")
}

// Wait blocks until the active run finishes. A no-op when idle.
func (s *Scraper) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status snapshots the orchestrator and its politeness components.
func (s *Scraper) Status() Status {
	s.mu.Lock()
	states := make(map[string]AdapterState, len(s.states))
	for name, st := range s.states {
		states[name] = *st
	}
	running := s.running
	var lastRun *time.Time
	if s.lastRun != nil {
		t := *s.lastRun
		lastRun = &t
	}
	s.mu.Unlock()

	return Status{
		IsRunning:     running,
		LastRun:       lastRun,
		Adapters:      states,
		TotalScraped:  s.totalScraped.Load(),
		TotalInserted: s.totalInserted.Load(),
		TotalErrors:   s.totalErrors.Load(),
		RateLimit:     s.limiter.Stats(),
		Gate:          s.gate.Stats(),
		Robots:        s.robots.Stats(),
	}
}

// Adapters lists the registered adapters with their source URLs.
func (s *Scraper) Adapters() []AdapterInfo {
	adapters := s.registry.All()
	out := make([]AdapterInfo, 0, len(adapters))
	for _, a := range adapters {
		info := AdapterInfo{Name: a.Name(), Category: string(a.Category())}
		if fa, ok := a.(interface{ Sources() []feeds.Source }); ok {
			for _, src := range fa.Sources() {
				info.Sources = append(info.Sources, src.URL)
			}
		}
		out = append(out, info)
	}
	return out
}

type runTask struct {
	adapter feeds.Adapter
	state   *AdapterState
}

// runAdapter executes one adapter from session open to terminal state. It
// never returns an error: every failure mode lands on the session and the
// state entry.
func (s *Scraper) runAdapter(ctx context.Context, task runTask, trigger types.Trigger, caller, groupID string) {
	name := task.adapter.Name()
	started := time.Now().UTC()

	s.metrics.RunsActive.Add(1)
	defer s.metrics.RunsActive.Add(-1)

	var sess *runlog.Session
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if s.logs != nil {
				s.logs.Exception("scraper", r, stack)
			}
			s.logger.Error("adapter panicked", "adapter", name, "panic", fmt.Sprint(r))
			if sess != nil {
				sess.FailPanic(ctx, r, stack)
			}
			s.markTerminal(task.state, types.RunFailed, types.Truncate(fmt.Sprint(r), maxStateError))
			s.metrics.ObserveRun(types.RunFailed)
			s.totalErrors.Add(1)
		}
	}()

	if ctx.Err() != nil {
		s.markTerminal(task.state, types.RunCancelled, "")
		return
	}

	label, sourceURL := adapterSource(task.adapter)
	var err error
	sess, err = runlog.Begin(ctx, s.runLogs, runlog.Options{
		Adapter:   name,
		Source:    label,
		SourceURL: sourceURL,
		GroupID:   groupID,
		Trigger:   trigger,
		Caller:    caller,
		Config:    s.runConfig(),
	}, s.logger)
	if err != nil {
		s.logger.Error("could not open run session", "adapter", name, "error", err.Error())
		s.markTerminal(task.state, types.RunFailed, types.Truncate(err.Error(), maxStateError))
		s.metrics.ObserveRun(types.RunFailed)
		s.totalErrors.Add(1)
		return
	}
	if !s.markRunning(task.state, sess.ID()) {
		// Stopped between scheduling and start.
		sess.Cancel(ctx)
		s.metrics.ObserveRun(types.RunCancelled)
		return
	}

	collector := feeds.NewCollector(s.client, s.robots, s.cfg.Scrape, s.cfg.Robots.UserAgent, sess, s.logger)
	runErr := task.adapter.Run(ctx, collector)

	// Whatever was collected before a stop or failure still gets persisted.
	batch := collector.Batch()
	var counts store.UpsertCounts
	var storeErr error
	if len(batch) > 0 {
		upsertCtx, cancelUpsert := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		counts, storeErr = s.content.BulkUpsert(upsertCtx, batch)
		cancelUpsert()
	}

	results := collector.Results()
	results.Inserted = int(counts.Inserted)
	results.Updated = int(counts.Modified)
	results.Duplicates += int(counts.Duplicates)
	sess.AddResults(results)

	stats := collector.FetchStats()
	sess.SetRateLimit(stats.RateLimit())
	sess.SetRobots(stats.Robots())
	sess.SetPerformance(runPerformance(stats, results, started))

	var final types.RunStatus
	errMsg := ""
	switch {
	case runErr != nil && isCancellation(runErr):
		sess.Cancel(ctx)
		final = types.RunCancelled
	case runErr != nil:
		sess.Fail(ctx, runErr)
		final = types.RunFailed
		errMsg = runErr.Error()
	case storeErr != nil:
		sess.Fail(ctx, storeErr)
		final = types.RunFailed
		errMsg = storeErr.Error()
	default:
		sess.Complete(ctx)
		final = sess.Snapshot().Status
	}

	s.markTerminal(task.state, final, types.Truncate(errMsg, maxStateError))
	s.totalScraped.Add(int64(results.Found))
	s.totalInserted.Add(int64(results.Inserted))
	s.totalErrors.Add(int64(results.Failed))
	if final == types.RunFailed {
		s.totalErrors.Add(1)
	}
	s.mergeMetrics(stats, results, sess.Snapshot().Errors, final)

	s.logger.Info("adapter run finished",
		"adapter", name,
		"sessionId", sess.ID(),
		"status", string(final),
		"found", results.Found,
		"inserted", results.Inserted,
		"updated", results.Updated,
		"duplicates", results.Duplicates,
		"failed", results.Failed,
		"duration", time.Since(started).Round(time.Millisecond),
	)
}

// cleanup runs the retention sweep after a full run.
func (s *Scraper) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	removed, err := s.content.Cleanup(ctx, s.cfg.Scrape.ContentMaxAgeDays)
	if err != nil {
		if s.logs != nil {
			s.logs.Rejection("content cleanup", err)
		}
		s.logger.Error("cleanup failed", "error", err.Error())
		return
	}
	if removed > 0 {
		s.logger.Info("cleanup removed stale content", "removed", removed, "maxAgeDays", s.cfg.Scrape.ContentMaxAgeDays)
	}
}

// finishRun closes out the run that owns done. A stopped run can still be
// draining when the next one starts; comparing channels keeps the drain from
// tearing down its successor's state.
func (s *Scraper) finishRun(done chan struct{}, cancel context.CancelFunc) {
	cancel()
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastRun = &now
	if s.done == done {
		s.running = false
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()
	close(done)
}

func (s *Scraper) resetRunCounters() {
	s.limiter.Reset()
	s.totalScraped.Store(0)
	s.totalInserted.Store(0)
	s.totalErrors.Store(0)
}

// markRunning flips a state entry to running unless a stop already made it
// terminal.
func (s *Scraper) markRunning(st *AdapterState, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	st.Status = types.RunRunning
	st.StartedAt = &now
	st.SessionID = sessionID
	return true
}

// markTerminal applies the first terminal transition to a state entry.
func (s *Scraper) markTerminal(st *AdapterState, status types.RunStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if st.Status.Terminal() {
		if st.EndedAt == nil {
			st.EndedAt = &now
		}
		return
	}
	st.Status = status
	st.EndedAt = &now
	st.Error = errMsg
}

func (s *Scraper) mergeMetrics(stats *fetcher.FetchStats, results types.Results, errs []types.RunError, final types.RunStatus) {
	m := s.metrics
	m.FetchRequests.Add(stats.Requests.Load())
	m.FetchFailures.Add(stats.Failed.Load())
	m.FetchBytes.Add(stats.BytesFetched.Load())
	var retries int64
	for _, e := range errs {
		if e.RetryCount > 0 {
			retries++
		}
	}
	m.FetchRetries.Add(retries)
	m.ItemsFound.Add(int64(results.Found))
	m.ItemsInserted.Add(int64(results.Inserted))
	m.ItemsUpdated.Add(int64(results.Updated))
	m.ItemsDuplicate.Add(int64(results.Duplicates))
	m.ItemsFailed.Add(int64(results.Failed))
	m.RobotsChecks.Add(stats.RobotsChecked.Load())
	m.RobotsDenials.Add(stats.RobotsBlocked.Load())
	m.ThrottleWaits.Add(stats.ThrottleCount.Load())
	m.ThrottleMs.Add(stats.ThrottleDelayNs.Load() / int64(time.Millisecond))
	m.ObserveRun(final)
}

func (s *Scraper) runConfig() types.RunConfig {
	sc := s.cfg.Scrape
	return types.RunConfig{
		MaxItems:   sc.MaxItemsPerCategory,
		DelayMinMs: int(sc.DelayMin / time.Millisecond),
		DelayMaxMs: int(sc.DelayMax / time.Millisecond),
		TimeoutMs:  int(sc.RequestTimeout / time.Millisecond),
		MaxRetries: sc.MaxRetries,
		UserAgent:  s.cfg.Robots.UserAgent,
		Keywords:   append([]string(nil), sc.Keywords...),
		UseBrowser: sc.UseBrowser,
	}
}

func runPerformance(stats *fetcher.FetchStats, results types.Results, started time.Time) types.Performance {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	perf := types.Performance{
		TotalRequests:     stats.Requests.Load(),
		FailedRequests:    stats.Failed.Load(),
		AvgResponseTimeMs: stats.AvgResponseTimeMs(),
		DataTransferred:   stats.BytesFetched.Load(),
		MemoryBytes:       mem.HeapAlloc,
	}
	if results.Found > 0 {
		perf.AvgTimePerItemMs = float64(time.Since(started).Milliseconds()) / float64(results.Found)
	}
	return perf
}

func adapterSource(a feeds.Adapter) (label, url string) {
	if fa, ok := a.(interface{ Sources() []feeds.Source }); ok {
		if src := fa.Sources(); len(src) > 0 {
			return src[0].Name, src[0].URL
		}
	}
	return a.Name(), ""
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, types.ErrStopped)
}
