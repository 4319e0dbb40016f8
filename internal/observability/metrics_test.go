package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wmhub/wmscraper/internal/types"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	m := NewMetrics()
	m.FetchRequests.Add(42)
	m.FetchBytes.Add(1 << 20)
	m.ItemsInserted.Add(7)

	snap := m.Snapshot()
	if snap["fetch_requests"] != 42 {
		t.Errorf("fetch_requests = %d, want 42", snap["fetch_requests"])
	}
	if snap["fetch_bytes"] != 1<<20 {
		t.Errorf("fetch_bytes = %d, want %d", snap["fetch_bytes"], 1<<20)
	}
	if snap["items_inserted"] != 7 {
		t.Errorf("items_inserted = %d, want 7", snap["items_inserted"])
	}
	if snap["uptime_seconds"] < 0 {
		t.Errorf("uptime_seconds = %d, want >= 0", snap["uptime_seconds"])
	}
}

func TestObserveRunCountsTerminalStatuses(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun(types.RunCompleted)
	m.ObserveRun(types.RunCompleted)
	m.ObserveRun(types.RunPartial)
	m.ObserveRun(types.RunFailed)
	m.ObserveRun(types.RunCancelled)
	m.ObserveRun(types.RunRunning)

	if got := m.RunsCompleted.Load(); got != 2 {
		t.Errorf("RunsCompleted = %d, want 2", got)
	}
	if got := m.RunsPartial.Load(); got != 1 {
		t.Errorf("RunsPartial = %d, want 1", got)
	}
	if got := m.RunsFailed.Load(); got != 1 {
		t.Errorf("RunsFailed = %d, want 1", got)
	}
	if got := m.RunsCancelled.Load(); got != 1 {
		t.Errorf("RunsCancelled = %d, want 1", got)
	}
}

func TestServeHTTPExposition(t *testing.T) {
	m := NewMetrics()
	m.FetchRequests.Add(3)
	m.RobotsDenials.Add(1)

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"# HELP wmscraper_fetch_requests_total",
		"# TYPE wmscraper_fetch_requests_total counter",
		"wmscraper_fetch_requests_total 3",
		"wmscraper_robots_denials_total 1",
		"# TYPE wmscraper_runs_active gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
