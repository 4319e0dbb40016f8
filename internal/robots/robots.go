// Package robots caches per-origin robots.txt rules and answers allow,
// crawl-delay and sitemap queries for the fetch path.
package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/types"
)

// entry is one cached origin. A nil data means "no usable robots.txt,
// allow everything".
type entry struct {
	fetchedAt time.Time
	data      *robotstxt.RobotsData
}

func (e *entry) allowed(path, userAgent string) bool {
	if e.data == nil {
		return true
	}
	return e.data.FindGroup(userAgent).Test(path)
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Entries     int   `json:"entries"`
	Checked     int64 `json:"checked"`
	Blocked     int64 `json:"blocked"`
	Fetches     int64 `json:"fetches"`
	FetchErrors int64 `json:"fetchErrors"`
	Evictions   int64 `json:"evictions"`
}

// Cache fetches robots.txt once per origin and caches the parsed rules
// for the configured TTL. Concurrent misses on one origin coalesce into
// a single fetch. When the cache is full the oldest insertion is evicted.
type Cache struct {
	cfg    config.RobotsConfig
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	group singleflight.Group

	checked     atomic.Int64
	blocked     atomic.Int64
	fetches     atomic.Int64
	fetchErrors atomic.Int64
	evictions   atomic.Int64
}

// NewCache builds a robots cache using cfg's fetch timeout, TTL and size.
func NewCache(cfg config.RobotsConfig, logger *slog.Logger) *Cache {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Cache{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		logger:  logger.With("component", "robots"),
		entries: make(map[string]*entry),
	}
}

// Origin reduces a URL to its robots cache key, scheme://host[:port].
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q has no scheme or host", types.ErrInvalidURL, rawURL)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// IsAllowed reports whether userAgent may fetch rawURL under the origin's
// robots rules. Unreachable or unparsable robots.txt allows everything.
func (c *Cache) IsAllowed(ctx context.Context, rawURL, userAgent string) (bool, error) {
	origin, err := Origin(rawURL)
	if err != nil {
		return false, err
	}
	e, err := c.get(ctx, origin)
	if err != nil {
		return false, err
	}
	u, _ := url.Parse(strings.TrimSpace(rawURL))
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	c.checked.Add(1)
	allowed := e.allowed(path, userAgent)
	if !allowed {
		c.blocked.Add(1)
		c.logger.Debug("blocked by robots.txt", "url", rawURL, "userAgent", userAgent)
	}
	return allowed, nil
}

// CrawlDelay returns the origin's Crawl-delay for userAgent, if one is set.
func (c *Cache) CrawlDelay(ctx context.Context, rawURL, userAgent string) (time.Duration, bool) {
	origin, err := Origin(rawURL)
	if err != nil {
		return 0, false
	}
	e, err := c.get(ctx, origin)
	if err != nil || e.data == nil {
		return 0, false
	}
	d := e.data.FindGroup(userAgent).CrawlDelay
	return d, d > 0
}

// Sitemaps returns the sitemap URLs advertised by the origin's robots.txt.
func (c *Cache) Sitemaps(ctx context.Context, rawURL string) ([]string, error) {
	origin, err := Origin(rawURL)
	if err != nil {
		return nil, err
	}
	e, err := c.get(ctx, origin)
	if err != nil {
		return nil, err
	}
	if e.data == nil {
		return nil, nil
	}
	return e.data.Sitemaps, nil
}

// Stats snapshots cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Entries:     n,
		Checked:     c.checked.Load(),
		Blocked:     c.blocked.Load(),
		Fetches:     c.fetches.Load(),
		FetchErrors: c.fetchErrors.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// get returns a fresh entry for origin, fetching on miss. Concurrent
// misses share one fetch.
func (c *Cache) get(ctx context.Context, origin string) (*entry, error) {
	if e, ok := c.lookup(origin); ok {
		return e, nil
	}
	v, err, _ := c.group.Do(origin, func() (any, error) {
		if e, ok := c.lookup(origin); ok {
			return e, nil
		}
		e, err := c.fetch(ctx, origin)
		if err != nil {
			return nil, err
		}
		c.store(origin, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (c *Cache) lookup(origin string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[origin]
	if !ok || time.Since(e.fetchedAt) > c.cfg.CacheTTL {
		return nil, false
	}
	return e, true
}

func (c *Cache) store(origin string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[origin]; !ok {
		for len(c.entries) >= c.cfg.CacheSize && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			if _, live := c.entries[oldest]; live {
				delete(c.entries, oldest)
				c.evictions.Add(1)
			}
		}
		c.order = append(c.order, origin)
	}
	c.entries[origin] = e
}

// fetch retrieves <origin>/robots.txt. A 200 parses into rules; any other
// status below 500 means "no robots.txt, allow all". Network errors, 5xx
// and parse failures also yield a permissive entry so an unreachable
// robots endpoint never silently denies a whole origin. Only caller
// cancellation propagates as an error.
func (c *Cache) fetch(ctx context.Context, origin string) (*entry, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	c.fetches.Add(1)
	permissive := &entry{fetchedAt: time.Now()}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		c.fetchErrors.Add(1)
		return permissive, nil
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.fetchErrors.Add(1)
		c.logger.Warn("robots.txt fetch failed, allowing origin", "origin", origin, "error", err.Error())
		return permissive, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			c.fetchErrors.Add(1)
			c.logger.Warn("robots.txt fetch failed, allowing origin", "origin", origin, "status", resp.StatusCode)
		}
		return permissive, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.fetchErrors.Add(1)
		return permissive, nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		c.fetchErrors.Add(1)
		c.logger.Warn("robots.txt parse failed, allowing origin", "origin", origin, "error", err.Error())
		return permissive, nil
	}
	return &entry{fetchedAt: time.Now(), data: data}, nil
}
