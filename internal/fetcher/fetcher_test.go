package fetcher

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/ratelimit"
	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// newTestClient builds a client with instant rate limiting and backoff so
// retry behavior can be asserted without real sleeps.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := &config.Config{
		Scrape: config.ScrapeConfig{
			RequestTimeout: 5 * time.Second,
			MaxRetries:     3,
			MaxConcurrent:  3,
			DelayMin:       0,
			DelayMax:       0,
		},
		Robots: config.RobotsConfig{
			UserAgent:    "wmScraperBot/1.0",
			CacheTTL:     time.Hour,
			CacheSize:    10,
			FetchTimeout: 2 * time.Second,
		},
	}
	rc := robots.NewCache(cfg.Robots, testLogger)
	lim := ratelimit.New(cfg.Scrape, testLogger)
	lim.ConfigureDomain("127.0.0.1", ratelimit.Profile{Capacity: 1 << 20, RefillRate: 1e6})
	gate := ratelimit.NewGate(cfg.Scrape.MaxConcurrent)

	c, err := New(cfg, rc, lim, gate, testLogger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	c.backoffBase = time.Millisecond
	c.backoffJitter = 0
	return c
}

// testServer serves robots.txt plus a content handler, counting content hits.
func testServer(t *testing.T, robotsBody string, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, robotsBody)
			return
		}
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

const allowAll = "User-agent: *\nDisallow:\n"

// --- Fetch Tests ---

func TestFetchSuccess(t *testing.T) {
	srv, hits := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	})
	c := newTestClient(t)

	req := NewRequest(srv.URL + "/page")
	req.Stats = &FetchStats{}
	resp, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != 200 || resp.Text() != "hello" {
		t.Errorf("Fetch() = status %d body %q", resp.StatusCode, resp.Text())
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}
	if !resp.Success() {
		t.Error("Success() = false for 200")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
	if got := req.Stats.Requests.Load(); got != 1 {
		t.Errorf("Stats.Requests = %d, want 1", got)
	}
	if got := req.Stats.BytesFetched.Load(); got != int64(len("hello")) {
		t.Errorf("Stats.BytesFetched = %d", got)
	}
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var n atomic.Int64
	srv, hits := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered")
	})
	c := newTestClient(t)

	var mu sync.Mutex
	var attempts []int
	req := NewRequest(srv.URL + "/flaky")
	req.OnAttemptError = func(attempt int, err error) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
		if types.ErrorKind(err) != "fetch_status" {
			t.Errorf("attempt error kind = %q, want fetch_status", types.ErrorKind(err))
		}
	}

	resp, err := c.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", resp.Attempts)
	}
	if resp.Text() != "recovered" {
		t.Errorf("body = %q", resp.Text())
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3", hits.Load())
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnAttemptError attempts = %v, want [1 2]", attempts)
	}
}

func TestFetchFailsAfterMaxRetries(t *testing.T) {
	srv, hits := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t)

	req := NewRequest(srv.URL + "/down")
	req.MaxRetries = 2
	req.Stats = &FetchStats{}

	_, err := c.Fetch(context.Background(), req)
	if err == nil {
		t.Fatal("expected failure")
	}
	var fe *types.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *types.FetchError", err)
	}
	if fe.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", fe.StatusCode)
	}
	if fe.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", fe.Attempts)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
	if got := req.Stats.Failed.Load(); got != 1 {
		t.Errorf("Stats.Failed = %d, want 1", got)
	}
	if kind := types.ErrorKind(err); kind != "fetch_status" {
		t.Errorf("ErrorKind = %q, want fetch_status", kind)
	}
}

func TestFetchNoRetriesWhenBudgetZero(t *testing.T) {
	srv, hits := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t)

	var callbacks atomic.Int64
	req := NewRequest(srv.URL + "/once")
	req.MaxRetries = 0
	req.OnAttemptError = func(int, error) { callbacks.Add(1) }

	_, err := c.Fetch(context.Background(), req)
	if err == nil {
		t.Fatal("expected failure")
	}
	var fe *types.FetchError
	if !errors.As(err, &fe) || fe.Attempts != 1 {
		t.Errorf("error = %v, want FetchError with 1 attempt", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want exactly 1", hits.Load())
	}
	if callbacks.Load() != 0 {
		t.Errorf("OnAttemptError fired %d times, want 0 without retries", callbacks.Load())
	}
}

func TestRobotsDenialShortCircuits(t *testing.T) {
	srv, hits := testServer(t, "User-agent: *\nDisallow: /\n", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "should never be reached")
	})
	c := newTestClient(t)

	req := NewRequest(srv.URL + "/blocked")
	req.Stats = &FetchStats{}

	_, err := c.Fetch(context.Background(), req)
	if !errors.Is(err, types.ErrRobotsDisallowed) {
		t.Fatalf("error = %v, want ErrRobotsDisallowed", err)
	}
	if hits.Load() != 0 {
		t.Errorf("disallowed URL got %d network hits, want 0", hits.Load())
	}
	if got := req.Stats.RobotsBlocked.Load(); got != 1 {
		t.Errorf("Stats.RobotsBlocked = %d, want 1", got)
	}
	if got := req.Stats.Requests.Load(); got != 0 {
		t.Errorf("Stats.Requests = %d, want 0", got)
	}
	if kind := types.ErrorKind(err); kind != "robots_disallowed" {
		t.Errorf("ErrorKind = %q", kind)
	}
}

func TestFetchTimeout(t *testing.T) {
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, "late")
	})
	c := newTestClient(t)
	c.cfg.RequestTimeout = 50 * time.Millisecond

	req := NewRequest(srv.URL + "/slow")
	req.MaxRetries = 1

	_, err := c.Fetch(context.Background(), req)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if kind := types.ErrorKind(err); kind != "fetch_timeout" {
		t.Errorf("ErrorKind = %q, want fetch_timeout", kind)
	}
}

func TestFetchCancellation(t *testing.T) {
	block := make(chan struct{})
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		<-block
	})
	defer close(block)
	c := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Fetch(ctx, NewRequest(srv.URL+"/hang"))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in chain", err)
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		fmt.Fprint(w, "landed")
	})
	c := newTestClient(t)

	resp, err := c.Fetch(context.Background(), NewRequest(srv.URL+"/start"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.HasSuffix(resp.URL, "/end") {
		t.Errorf("final URL = %q, want /end suffix", resp.URL)
	}
	if resp.Text() != "landed" {
		t.Errorf("body = %q", resp.Text())
	}
}

func TestHeaderOverrides(t *testing.T) {
	var gotKey, gotUA string
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotUA = r.Header.Get("User-Agent")
		fmt.Fprint(w, "ok")
	})
	c := newTestClient(t)

	req := NewRequest(srv.URL + "/page")
	req.Headers = map[string]string{
		"X-Api-Key":  "secret",
		"User-Agent": "custom-agent/1.0",
	}
	if _, err := c.Fetch(context.Background(), req); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotKey != "secret" {
		t.Errorf("X-Api-Key = %q", gotKey)
	}
	if gotUA != "custom-agent/1.0" {
		t.Errorf("User-Agent = %q, want override to win", gotUA)
	}
}

func TestBrowserShapedHeadersSent(t *testing.T) {
	var got http.Header
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		fmt.Fprint(w, "ok")
	})
	c := newTestClient(t)

	req := NewRequest(srv.URL + "/page")
	req.Class = ClassDesktop
	if _, err := c.Fetch(context.Background(), req); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.Get("Accept-Language") != "en-US,en;q=0.9" {
		t.Errorf("Accept-Language = %q", got.Get("Accept-Language"))
	}
	if got.Get("Upgrade-Insecure-Requests") != "1" {
		t.Errorf("Upgrade-Insecure-Requests = %q", got.Get("Upgrade-Insecure-Requests"))
	}
	if !strings.Contains(got.Get("Accept-Encoding"), "br") {
		t.Errorf("Accept-Encoding = %q, want brotli advertised", got.Get("Accept-Encoding"))
	}
	if !strings.HasPrefix(got.Get("User-Agent"), "Mozilla/5.0") {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
}

func TestUnknownTransport(t *testing.T) {
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {})
	c := newTestClient(t)

	req := NewRequest(srv.URL + "/x")
	req.Transport = "carrier-pigeon"
	if _, err := c.Fetch(context.Background(), req); err == nil {
		t.Fatal("expected unknown transport error")
	}
}

// --- Decompression Tests ---

func TestGzipDecompression(t *testing.T) {
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, "compressed payload")
		gz.Close()
	})
	c := newTestClient(t)

	resp, err := c.Fetch(context.Background(), NewRequest(srv.URL+"/gz"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Text() != "compressed payload" {
		t.Errorf("body = %q, want decompressed text", resp.Text())
	}
}

func TestBrotliDecompression(t *testing.T) {
	srv, _ := testServer(t, allowAll, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		br := brotli.NewWriter(w)
		fmt.Fprint(br, "brotli payload")
		br.Close()
	})
	c := newTestClient(t)

	resp, err := c.Fetch(context.Background(), NewRequest(srv.URL+"/br"))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Text() != "brotli payload" {
		t.Errorf("body = %q, want decompressed text", resp.Text())
	}
}

// --- Stats Tests ---

func TestStatsSummaries(t *testing.T) {
	s := &FetchStats{}
	s.ThrottleCount.Store(2)
	s.ThrottleDelayNs.Store(int64(1500 * time.Millisecond))
	s.RobotsChecked.Store(4)
	s.RobotsBlocked.Store(1)
	s.CrawlDelayApplied.Store(3)

	rl := s.RateLimit()
	if !rl.WasThrottled || rl.ThrottleCount != 2 || rl.TotalDelayMs != 1500 {
		t.Errorf("RateLimit() = %+v", rl)
	}

	rb := s.Robots()
	if rb.Checked != 4 || rb.Blocked != 1 || rb.CrawlDelayApplied != 3 {
		t.Errorf("Robots() = %+v", rb)
	}

	empty := &FetchStats{}
	if empty.RateLimit().WasThrottled {
		t.Error("WasThrottled = true with no throttles")
	}
	if empty.AvgResponseTimeMs() != 0 {
		t.Error("AvgResponseTimeMs should be 0 with no requests")
	}
}

// --- User Agent Tests ---

func TestPickUserAgentClasses(t *testing.T) {
	mobile := make(map[string]bool, len(mobileAgents))
	for _, ua := range mobileAgents {
		mobile[ua] = true
	}
	for i := 0; i < 50; i++ {
		if ua := PickUserAgent(ClassDesktop); mobile[ua] {
			t.Fatalf("ClassDesktop drew mobile agent %q", ua)
		}
		if ua := PickUserAgent(ClassMobile); !mobile[ua] {
			t.Fatalf("ClassMobile drew desktop agent %q", ua)
		}
	}
}

func TestBrowserHeadersClientHints(t *testing.T) {
	chrome := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	h := BrowserHeaders(chrome)
	if got := h.Get("Sec-Ch-Ua"); !strings.Contains(got, `"Chromium";v="131"`) || !strings.Contains(got, "Google Chrome") {
		t.Errorf("Sec-Ch-Ua = %q", got)
	}
	if h.Get("Sec-Ch-Ua-Mobile") != "?0" {
		t.Errorf("Sec-Ch-Ua-Mobile = %q, want ?0", h.Get("Sec-Ch-Ua-Mobile"))
	}
	if h.Get("Sec-Ch-Ua-Platform") != `"Windows"` {
		t.Errorf("Sec-Ch-Ua-Platform = %q", h.Get("Sec-Ch-Ua-Platform"))
	}

	edge := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.2903.86"
	if got := BrowserHeaders(edge).Get("Sec-Ch-Ua"); !strings.Contains(got, "Microsoft Edge") {
		t.Errorf("edge Sec-Ch-Ua = %q", got)
	}

	android := "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36"
	ha := BrowserHeaders(android)
	if ha.Get("Sec-Ch-Ua-Mobile") != "?1" {
		t.Errorf("android Sec-Ch-Ua-Mobile = %q, want ?1", ha.Get("Sec-Ch-Ua-Mobile"))
	}
	if ha.Get("Sec-Ch-Ua-Platform") != `"Android"` {
		t.Errorf("android platform = %q", ha.Get("Sec-Ch-Ua-Platform"))
	}

	firefox := "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0"
	if got := BrowserHeaders(firefox).Get("Sec-Ch-Ua"); got != "" {
		t.Errorf("firefox should not carry client hints, got %q", got)
	}
}

// --- Retry-After Tests ---

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"0", 0},
		{"999", 2 * time.Minute},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// --- Benchmarks ---

func BenchmarkBrowserHeaders(b *testing.B) {
	ua := desktopAgents[0]
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		BrowserHeaders(ua)
	}
}
