package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wmhub/wmscraper/internal/config"
)

var testLogger = slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLimiter() *Limiter {
	return New(config.ScrapeConfig{
		DelayMin: time.Millisecond,
		DelayMax: 2 * time.Millisecond,
	}, testLogger)
}

// --- Base Domain Tests ---

func TestBaseDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://news.google.com/rss", "google.com"},
		{"https://www.linkedin.com/jobs", "linkedin.com"},
		{"https://GitHub.COM/trending", "github.com"},
		{"https://example.com", "example.com"},
		{"http://127.0.0.1:8080/feed", "127.0.0.1"},
		{"http://localhost:3000/x", "localhost"},
		{"not a url at all", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := BaseDomain(tt.in); got != tt.want {
			t.Errorf("BaseDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Acquire Tests ---

func TestAcquireWithinBurst(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 5, RefillRate: 1, DelayMin: 0, DelayMax: 0})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		waited, throttled, err := l.Acquire(ctx, "https://sub.example.com/page")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if waited != 0 || throttled {
			t.Errorf("Acquire() = (%v, %v) within burst, want (0, false)", waited, throttled)
		}
	}

	stats := l.Stats()
	if stats.TotalRequests != 5 {
		t.Errorf("TotalRequests = %d, want 5", stats.TotalRequests)
	}
	if stats.ThrottledRequests != 0 {
		t.Errorf("ThrottledRequests = %d, want 0 within burst", stats.ThrottledRequests)
	}
}

func TestAcquireFixedJitter(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 5, RefillRate: 1, DelayMin: 20 * time.Millisecond, DelayMax: 20 * time.Millisecond})

	waited, throttled, err := l.Acquire(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if waited != 20*time.Millisecond {
		t.Errorf("waited = %v, want exactly 20ms when min == max", waited)
	}
	if throttled {
		t.Error("jitter alone should not count as a throttle")
	}
}

func TestAcquireThrottlesPastBurst(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 1, RefillRate: 50, DelayMin: 0, DelayMax: 0})
	ctx := context.Background()

	if _, _, err := l.Acquire(ctx, "https://example.com/a"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	waited, throttled, err := l.Acquire(ctx, "https://example.com/b")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if waited <= 0 || !throttled {
		t.Errorf("Acquire() = (%v, %v) past burst, want a throttled wait", waited, throttled)
	}

	stats := l.Stats()
	if stats.ThrottledRequests != 1 {
		t.Errorf("ThrottledRequests = %d, want 1", stats.ThrottledRequests)
	}
	if d := stats.Domains["example.com"]; d.Throttled != 1 || d.Requests != 2 {
		t.Errorf("domain stats = %+v, want throttled 1 requests 2", d)
	}
}

func TestAcquireCancellation(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 5, RefillRate: 1, DelayMin: 5 * time.Second, DelayMax: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := l.Acquire(ctx, "https://example.com/")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, sleep was not pre-empted", elapsed)
	}
}

func TestDomainsShareBucket(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 1, RefillRate: 50, DelayMin: 0, DelayMax: 0})
	ctx := context.Background()

	l.Acquire(ctx, "https://a.example.com/")
	waited, _, err := l.Acquire(ctx, "https://b.example.com/")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if waited <= 0 {
		t.Error("subdomains of one base domain should share a bucket")
	}
}

// --- Configuration Tests ---

func TestUnknownDomainUsesDefault(t *testing.T) {
	l := testLimiter()
	if _, _, err := l.Acquire(context.Background(), "https://nobody-configured.net/"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	d, ok := l.Stats().Domains["nobody-configured.net"]
	if !ok {
		t.Fatal("expected a bucket for the unknown domain")
	}
	if d.Capacity != 5 {
		t.Errorf("Capacity = %d, want default 5", d.Capacity)
	}
}

func TestConfigureDomainDropsBucket(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 1, RefillRate: 1, DelayMin: 0, DelayMax: 0})
	l.Acquire(context.Background(), "https://example.com/")

	l.ConfigureDomain("example.com", Profile{Capacity: 3, RefillRate: 1, DelayMin: 0, DelayMax: 0})
	if _, ok := l.Stats().Domains["example.com"]; ok {
		t.Error("reconfiguring should drop the live bucket")
	}

	for i := 0; i < 3; i++ {
		waited, _, err := l.Acquire(context.Background(), "https://example.com/")
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if waited != 0 {
			t.Errorf("acquire %d waited %v, want fresh bucket at capacity 3", i, waited)
		}
	}
}

func TestReset(t *testing.T) {
	l := testLimiter()
	l.ConfigureDomain("example.com", Profile{Capacity: 5, RefillRate: 1, DelayMin: 0, DelayMax: 0})
	l.Acquire(context.Background(), "https://example.com/")

	l.Reset()
	stats := l.Stats()
	if stats.TotalRequests != 0 || len(stats.Domains) != 0 {
		t.Errorf("Stats after Reset = %+v, want empty", stats)
	}
}

func TestDefaultProfilesTable(t *testing.T) {
	p := DefaultProfiles(2*time.Second, 5*time.Second)
	if p["default"].DelayMin != 2*time.Second || p["default"].DelayMax != 5*time.Second {
		t.Errorf("default profile delays = %+v", p["default"])
	}
	if p["linkedin.com"].Capacity != 2 {
		t.Errorf("linkedin capacity = %d, want 2", p["linkedin.com"].Capacity)
	}
	if p["github.com"].RefillRate != 0.5 {
		t.Errorf("github refill = %v, want 0.5", p["github.com"].RefillRate)
	}
}

// --- Gate Tests ---

func TestGateBlocksAtCapacity(t *testing.T) {
	g := NewGate(2)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	full, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(full); err == nil {
		t.Fatal("third acquire should block at capacity 2")
	}

	stats := g.Stats()
	if stats.Active != 2 || stats.Size != 2 {
		t.Errorf("Stats = %+v, want active 2 of 2", stats)
	}

	g.Release()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}

	g.Release()
	g.Release()
	if got := g.Stats().Active; got != 0 {
		t.Errorf("Active = %d after releasing all, want 0", got)
	}
}

func TestGateMinimumSize(t *testing.T) {
	g := NewGate(0)
	if g.Stats().Size != 1 {
		t.Errorf("Size = %d, want clamp to 1", g.Stats().Size)
	}
}

// --- Benchmarks ---

func BenchmarkAcquireNoWait(b *testing.B) {
	l := testLimiter()
	l.ConfigureDomain("bench.test", Profile{Capacity: 1 << 30, RefillRate: 1e9, DelayMin: 0, DelayMax: 0})
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Acquire(ctx, "https://bench.test/")
	}
}
