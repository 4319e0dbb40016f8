// Package ratelimit paces outgoing requests. Each base domain gets a
// continuously refilling token bucket with a per-domain politeness profile,
// and a global concurrency gate bounds requests in flight regardless of
// domain.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/wmhub/wmscraper/internal/config"
)

// Profile is the politeness budget for one base domain.
type Profile struct {
	Capacity   int           `json:"capacity"`
	RefillRate float64       `json:"refillRate"`
	DelayMin   time.Duration `json:"delayMin"`
	DelayMax   time.Duration `json:"delayMax"`
}

// DefaultProfiles returns the built-in per-domain table. The default row
// carries the configured inter-request delays; known slow hosts get fixed
// stricter budgets.
func DefaultProfiles(delayMin, delayMax time.Duration) map[string]Profile {
	return map[string]Profile{
		"default":      {Capacity: 5, RefillRate: 0.5, DelayMin: delayMin, DelayMax: delayMax},
		"google.com":   {Capacity: 3, RefillRate: 0.3, DelayMin: 3 * time.Second, DelayMax: 8 * time.Second},
		"linkedin.com": {Capacity: 2, RefillRate: 0.2, DelayMin: 5 * time.Second, DelayMax: 10 * time.Second},
		"indeed.com":   {Capacity: 3, RefillRate: 0.3, DelayMin: 3 * time.Second, DelayMax: 7 * time.Second},
		"twitter.com":  {Capacity: 2, RefillRate: 0.2, DelayMin: 4 * time.Second, DelayMax: 8 * time.Second},
		"github.com":   {Capacity: 5, RefillRate: 0.5, DelayMin: 2 * time.Second, DelayMax: 4 * time.Second},
	}
}

type bucket struct {
	lim       *rate.Limiter
	profile   Profile
	requests  atomic.Int64
	throttled atomic.Int64
}

// DomainStats is the live view of one bucket.
type DomainStats struct {
	Requests  int64   `json:"requests"`
	Throttled int64   `json:"throttled"`
	Tokens    float64 `json:"tokens"`
	Capacity  int     `json:"capacity"`
}

// Stats is a snapshot of limiter activity.
type Stats struct {
	TotalRequests     int64                  `json:"totalRequests"`
	ThrottledRequests int64                  `json:"throttledRequests"`
	AvgWaitMs         float64                `json:"avgWaitMs"`
	Domains           map[string]DomainStats `json:"domains"`
}

// Limiter hands out per-domain permits. Acquire blocks until the domain's
// bucket has a token, then adds a jittered inter-request delay.
type Limiter struct {
	logger *slog.Logger

	mu       sync.Mutex
	buckets  map[string]*bucket
	profiles map[string]Profile

	total     atomic.Int64
	throttled atomic.Int64
	waitSumNs atomic.Int64
}

// New builds a limiter with the built-in profile table, taking the default
// row's delays from cfg.
func New(cfg config.ScrapeConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		logger:   logger.With("component", "ratelimit"),
		buckets:  make(map[string]*bucket),
		profiles: DefaultProfiles(cfg.DelayMin, cfg.DelayMax),
	}
}

// BaseDomain reduces a URL to its bucket key: the last two labels of the
// hostname. IP addresses keep the full address; hostless URLs share a
// synthetic key.
func BaseDomain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return host
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	return labels[len(labels)-2] + "." + labels[len(labels)-1]
}

// Acquire blocks until rawURL's domain grants a permit, then applies the
// profile's jittered delay. It returns the total time the caller waited and
// whether the bucket was empty (a token wait, as opposed to plain jitter).
// Cancellation pre-empts both sleeps.
func (l *Limiter) Acquire(ctx context.Context, rawURL string) (time.Duration, bool, error) {
	key := BaseDomain(rawURL)
	b := l.bucket(key)

	r := b.lim.Reserve()
	tokenWait := r.Delay()
	if tokenWait > 0 {
		l.throttled.Add(1)
		b.throttled.Add(1)
		l.logger.Debug("throttled", "domain", key, "wait", tokenWait.String())
		if err := sleepCtx(ctx, tokenWait); err != nil {
			r.Cancel()
			return 0, false, err
		}
	}

	jitter := b.profile.DelayMin
	if span := b.profile.DelayMax - b.profile.DelayMin; span > 0 {
		jitter += time.Duration(rand.Int63n(int64(span)))
	}
	if err := sleepCtx(ctx, jitter); err != nil {
		return 0, tokenWait > 0, err
	}

	waited := tokenWait + jitter
	l.total.Add(1)
	b.requests.Add(1)
	l.waitSumNs.Add(int64(waited))
	return waited, tokenWait > 0, nil
}

// ConfigureDomain installs a profile for a base domain and drops its
// bucket so the next acquire starts fresh at the new capacity.
func (l *Limiter) ConfigureDomain(domain string, p Profile) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[domain] = p
	delete(l.buckets, domain)
	l.logger.Info("domain profile configured",
		"domain", domain,
		"capacity", p.Capacity,
		"refillRate", p.RefillRate,
	)
}

// Stats snapshots limiter counters and per-domain bucket state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	domains := make(map[string]DomainStats, len(l.buckets))
	for key, b := range l.buckets {
		domains[key] = DomainStats{
			Requests:  b.requests.Load(),
			Throttled: b.throttled.Load(),
			Tokens:    b.lim.Tokens(),
			Capacity:  b.profile.Capacity,
		}
	}
	l.mu.Unlock()

	s := Stats{
		TotalRequests:     l.total.Load(),
		ThrottledRequests: l.throttled.Load(),
		Domains:           domains,
	}
	if s.TotalRequests > 0 {
		s.AvgWaitMs = float64(l.waitSumNs.Load()) / float64(s.TotalRequests) / float64(time.Millisecond)
	}
	return s
}

// Reset drops every bucket and zeroes the counters.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucket)
	l.mu.Unlock()
	l.total.Store(0)
	l.throttled.Store(0)
	l.waitSumNs.Store(0)
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	p, ok := l.profiles[key]
	if !ok {
		p = l.profiles["default"]
	}
	b := &bucket{
		lim:     rate.NewLimiter(rate.Limit(p.RefillRate), p.Capacity),
		profile: p,
	}
	l.buckets[key] = b
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
