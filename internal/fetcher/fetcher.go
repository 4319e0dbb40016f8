// Package fetcher executes polite HTTP fetches. Every logical fetch runs
// the same envelope: consult robots.txt, take a slot on the global
// concurrency gate, take a per-domain rate-limit permit, send the request
// with a rotated browser-shaped identity, and retry failures with
// exponential backoff. Payloads come from a plain HTTP transport or, when
// enabled, a headless browser that returns the rendered DOM.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/ratelimit"
	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/types"
)

// Request describes one logical fetch.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte

	// MaxRetries caps total attempts. Negative means the configured default.
	MaxRetries int

	// Class picks the user-agent pool. Zero value falls back to ClassAny.
	Class Class

	// Transport names the transport to use ("http" or "browser"). Empty
	// follows the configuration.
	Transport string

	// Stats, when set, accumulates per-run fetch counters.
	Stats *FetchStats

	// OnAttemptError is invoked after each failed attempt that will be
	// retried. The final failure is reported through the returned error.
	OnAttemptError func(attempt int, err error)
}

// NewRequest builds a GET request with default retry and user-agent policy.
func NewRequest(url string) *Request {
	return &Request{
		URL:        url,
		Method:     http.MethodGet,
		MaxRetries: -1,
		Class:      ClassAny,
	}
}

// Response is the outcome of a successful fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
	UserAgent  string
	FetchedAt  time.Time
}

// Success reports whether the final status landed in [200, 400).
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// FetchStats accumulates counters across the fetches of one run. All fields
// are updated atomically; a single instance is shared by every request of
// the run.
type FetchStats struct {
	Requests          atomic.Int64
	Failed            atomic.Int64
	BytesFetched      atomic.Int64
	ResponseTimeNs    atomic.Int64
	ThrottleCount     atomic.Int64
	ThrottleDelayNs   atomic.Int64
	RobotsChecked     atomic.Int64
	RobotsBlocked     atomic.Int64
	CrawlDelayApplied atomic.Int64
}

// RateLimit summarizes limiter activity for the run log.
func (s *FetchStats) RateLimit() types.RateLimitSummary {
	count := s.ThrottleCount.Load()
	return types.RateLimitSummary{
		WasThrottled:  count > 0,
		ThrottleCount: count,
		TotalDelayMs:  s.ThrottleDelayNs.Load() / int64(time.Millisecond),
	}
}

// Robots summarizes robots.txt activity for the run log.
func (s *FetchStats) Robots() types.RobotsSummary {
	return types.RobotsSummary{
		Checked:           s.RobotsChecked.Load(),
		Blocked:           s.RobotsBlocked.Load(),
		CrawlDelayApplied: s.CrawlDelayApplied.Load(),
	}
}

// AvgResponseTimeMs returns the mean response time across attempts that
// reached the network.
func (s *FetchStats) AvgResponseTimeMs() float64 {
	n := s.Requests.Load()
	if n == 0 {
		return 0
	}
	return float64(s.ResponseTimeNs.Load()) / float64(n) / float64(time.Millisecond)
}

// Transport delivers a single prepared request attempt.
type Transport interface {
	// Fetch sends one attempt with the prepared headers and returns the
	// response regardless of status code. Only transport-level failures
	// return an error.
	Fetch(ctx context.Context, req *Request, headers http.Header) (*Response, error)

	// Type returns the transport identifier.
	Type() string

	// Close releases transport resources.
	Close() error
}

// Client runs the fetch envelope over the registered transports.
type Client struct {
	cfg      config.ScrapeConfig
	robotsUA string
	robots   *robots.Cache
	limiter  *ratelimit.Limiter
	gate     *ratelimit.Gate
	logger   *slog.Logger

	transports map[string]Transport

	backoffBase   time.Duration
	backoffJitter time.Duration
	backoffCap    time.Duration
}

// New builds a fetch client. The HTTP transport is always available; the
// browser transport starts only when the configuration enables it.
func New(cfg *config.Config, rc *robots.Cache, lim *ratelimit.Limiter, gate *ratelimit.Gate, logger *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:           cfg.Scrape,
		robotsUA:      cfg.Robots.UserAgent,
		robots:        rc,
		limiter:       lim,
		gate:          gate,
		logger:        logger.With("component", "fetcher"),
		transports:    make(map[string]Transport),
		backoffBase:   time.Second,
		backoffJitter: 500 * time.Millisecond,
		backoffCap:    30 * time.Second,
	}

	httpT, err := newHTTPTransport(cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.transports[httpT.Type()] = httpT

	if cfg.Scrape.UseBrowser {
		browserT, err := newBrowserTransport(cfg, c.logger)
		if err != nil {
			return nil, fmt.Errorf("start browser: %w", err)
		}
		c.transports[browserT.Type()] = browserT
	}

	return c, nil
}

// Fetch runs the full envelope for req. Robots denial fails immediately
// without consuming a retry; other failures retry up to the request's
// budget before surfacing a FetchError.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.Stats == nil {
		req.Stats = &FetchStats{}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	stats := req.Stats

	stats.RobotsChecked.Add(1)
	allowed, err := c.robots.IsAllowed(ctx, req.URL, c.robotsUA)
	if err != nil {
		return nil, err
	}
	if !allowed {
		stats.RobotsBlocked.Add(1)
		c.logger.Warn("url disallowed by robots.txt", "url", req.URL)
		return nil, fmt.Errorf("%s: %w", req.URL, types.ErrRobotsDisallowed)
	}

	maxRetries := req.MaxRetries
	if maxRetries < 0 {
		maxRetries = c.cfg.MaxRetries
	}

	transport, err := c.transport(req.Transport)
	if err != nil {
		return nil, err
	}

	var lastErr error
	attempts := 0
	for {
		resp, err := c.attempt(ctx, transport, req)
		if err == nil {
			resp.Attempts = attempts + 1
			stats.BytesFetched.Add(int64(len(resp.Body)))
			c.logger.Debug("fetch complete",
				"url", req.URL,
				"status", resp.StatusCode,
				"attempts", resp.Attempts,
				"size", len(resp.Body),
				"duration", resp.Duration.String(),
			)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		attempts++
		if attempts >= maxRetries {
			break
		}
		if req.OnAttemptError != nil {
			req.OnAttemptError(attempts, err)
		}
		delay := c.backoff(attempts, lastErr)
		c.logger.Debug("retrying after backoff",
			"url", req.URL,
			"attempt", attempts,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	stats.Failed.Add(1)
	var fe *types.FetchError
	if errors.As(lastErr, &fe) {
		fe.Attempts = attempts
		fe.Retryable = false
	} else {
		fe = &types.FetchError{URL: req.URL, Attempts: attempts, Err: lastErr}
	}
	c.logger.Warn("fetch failed", "url", req.URL, "attempts", attempts, "error", fe.Error())
	return nil, fe
}

// attempt executes one try: gate slot, rate-limit permit, crawl-delay
// top-up, identity draw, then the transport call. The gate slot is held for
// the permit sleeps and the request, never for backoff.
func (c *Client) attempt(ctx context.Context, t Transport, req *Request) (*Response, error) {
	stats := req.Stats

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	waited, throttled, err := c.limiter.Acquire(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	if throttled {
		stats.ThrottleCount.Add(1)
	}
	if waited > 0 {
		stats.ThrottleDelayNs.Add(int64(waited))
	}

	if d, ok := c.robots.CrawlDelay(ctx, req.URL, c.robotsUA); ok && d > waited {
		extra := d - waited
		if err := sleepCtx(ctx, extra); err != nil {
			return nil, err
		}
		stats.ThrottleDelayNs.Add(int64(extra))
		stats.CrawlDelayApplied.Add(1)
	}

	ua := PickUserAgent(req.Class)
	headers := BrowserHeaders(ua)
	for k, v := range req.Headers {
		headers.Set(k, v)
	}

	reqCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	stats.Requests.Add(1)
	start := time.Now()
	resp, err := t.Fetch(reqCtx, req, headers)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	resp.UserAgent = headers.Get("User-Agent")
	stats.ResponseTimeNs.Add(int64(resp.Duration))

	if !resp.Success() {
		return nil, statusError(req.URL, resp)
	}
	return resp, nil
}

// backoff returns the sleep before retry number attempts+1, doubling per
// failure with jitter, capped. A server-provided Retry-After larger than
// the computed delay wins, up to the same cap.
func (c *Client) backoff(attempts int, lastErr error) time.Duration {
	if attempts > 20 {
		return c.backoffCap
	}
	d := c.backoffBase << uint(attempts)
	if c.backoffJitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.backoffJitter)))
	}
	var fe *types.FetchError
	if errors.As(lastErr, &fe) && fe.RetryAfter > d {
		d = fe.RetryAfter
	}
	if d > c.backoffCap {
		d = c.backoffCap
	}
	return d
}

func (c *Client) transport(name string) (Transport, error) {
	if name == "" {
		name = "http"
		if c.cfg.UseBrowser {
			name = "browser"
		}
	}
	t, ok := c.transports[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}
	return t, nil
}

// Close releases every transport.
func (c *Client) Close() error {
	var first error
	for _, t := range c.transports {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func statusError(url string, resp *Response) *types.FetchError {
	fe := &types.FetchError{
		URL:        url,
		StatusCode: resp.StatusCode,
		Attempts:   1,
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		Retryable:  true,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		fe.RetryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"))
	}
	return fe
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
