// Package observability exposes process-wide counters in Prometheus text
// format. Runs merge their per-session fetch stats here when they close, so
// the counters survive across sessions until the process exits.
package observability

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wmhub/wmscraper/internal/types"
)

// Metrics tracks operational counters for the scraper.
type Metrics struct {
	// Fetch metrics
	FetchRequests atomic.Int64
	FetchFailures atomic.Int64
	FetchRetries  atomic.Int64
	FetchBytes    atomic.Int64

	// Item metrics
	ItemsFound     atomic.Int64
	ItemsInserted  atomic.Int64
	ItemsUpdated   atomic.Int64
	ItemsDuplicate atomic.Int64
	ItemsFailed    atomic.Int64

	// Politeness metrics
	RobotsChecks  atomic.Int64
	RobotsDenials atomic.Int64
	ThrottleWaits atomic.Int64
	ThrottleMs    atomic.Int64

	// Run metrics
	RunsActive    atomic.Int64
	RunsCompleted atomic.Int64
	RunsPartial   atomic.Int64
	RunsFailed    atomic.Int64
	RunsCancelled atomic.Int64

	start time.Time
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{start: time.Now()}
}

// ObserveRun counts one run reaching a terminal status.
func (m *Metrics) ObserveRun(status types.RunStatus) {
	switch status {
	case types.RunCompleted:
		m.RunsCompleted.Add(1)
	case types.RunPartial:
		m.RunsPartial.Add(1)
	case types.RunFailed:
		m.RunsFailed.Add(1)
	case types.RunCancelled:
		m.RunsCancelled.Add(1)
	}
}

// Uptime reports how long the process has been up.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.start)
}

// WritePrometheus writes all metrics in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	metrics := []struct {
		name  string
		help  string
		typ   string
		value int64
	}{
		{"wmscraper_fetch_requests_total", "Total fetch attempts", "counter", m.FetchRequests.Load()},
		{"wmscraper_fetch_failures_total", "Total failed fetches", "counter", m.FetchFailures.Load()},
		{"wmscraper_fetch_retries_total", "Total fetch retries", "counter", m.FetchRetries.Load()},
		{"wmscraper_fetch_bytes_total", "Total response bytes fetched", "counter", m.FetchBytes.Load()},
		{"wmscraper_items_found_total", "Total items collected from feeds", "counter", m.ItemsFound.Load()},
		{"wmscraper_items_inserted_total", "Total new records inserted", "counter", m.ItemsInserted.Load()},
		{"wmscraper_items_updated_total", "Total records updated on re-observation", "counter", m.ItemsUpdated.Load()},
		{"wmscraper_items_duplicate_total", "Total duplicate items skipped", "counter", m.ItemsDuplicate.Load()},
		{"wmscraper_items_failed_total", "Total source URLs that hard-failed", "counter", m.ItemsFailed.Load()},
		{"wmscraper_robots_checks_total", "Total robots.txt permission checks", "counter", m.RobotsChecks.Load()},
		{"wmscraper_robots_denials_total", "Total URLs denied by robots.txt", "counter", m.RobotsDenials.Load()},
		{"wmscraper_throttle_waits_total", "Total requests delayed by the rate limiter", "counter", m.ThrottleWaits.Load()},
		{"wmscraper_throttle_delay_ms_total", "Total milliseconds spent in limiter waits", "counter", m.ThrottleMs.Load()},
		{"wmscraper_runs_active", "Adapter runs currently in flight", "gauge", m.RunsActive.Load()},
		{"wmscraper_runs_completed_total", "Total runs completed cleanly", "counter", m.RunsCompleted.Load()},
		{"wmscraper_runs_partial_total", "Total runs completed with failed sources", "counter", m.RunsPartial.Load()},
		{"wmscraper_runs_failed_total", "Total runs that failed", "counter", m.RunsFailed.Load()},
		{"wmscraper_runs_cancelled_total", "Total runs cancelled", "counter", m.RunsCancelled.Load()},
		{"wmscraper_uptime_seconds", "Seconds since process start", "gauge", int64(m.Uptime().Seconds())},
	}

	for _, metric := range metrics {
		fmt.Fprintf(w, "# HELP %s %s\n", metric.name, metric.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.name, metric.typ)
		fmt.Fprintf(w, "%s %d\n", metric.name, metric.value)
	}
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	m.WritePrometheus(w)
}

// Snapshot returns all metrics as a map.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"fetch_requests":    m.FetchRequests.Load(),
		"fetch_failures":    m.FetchFailures.Load(),
		"fetch_retries":     m.FetchRetries.Load(),
		"fetch_bytes":       m.FetchBytes.Load(),
		"items_found":       m.ItemsFound.Load(),
		"items_inserted":    m.ItemsInserted.Load(),
		"items_updated":     m.ItemsUpdated.Load(),
		"items_duplicate":   m.ItemsDuplicate.Load(),
		"items_failed":      m.ItemsFailed.Load(),
		"robots_checks":     m.RobotsChecks.Load(),
		"robots_denials":    m.RobotsDenials.Load(),
		"throttle_waits":    m.ThrottleWaits.Load(),
		"throttle_delay_ms": m.ThrottleMs.Load(),
		"runs_active":       m.RunsActive.Load(),
		"runs_completed":    m.RunsCompleted.Load(),
		"runs_partial":      m.RunsPartial.Load(),
		"runs_failed":       m.RunsFailed.Load(),
		"runs_cancelled":    m.RunsCancelled.Load(),
		"uptime_seconds":    int64(m.Uptime().Seconds()),
	}
}
