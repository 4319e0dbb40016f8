package feeds

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/wmhub/wmscraper/internal/config"
	"github.com/wmhub/wmscraper/internal/fetcher"
	"github.com/wmhub/wmscraper/internal/pipeline"
	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/types"
)

// Reporter receives the errors and warnings observed while collecting.
// *runlog.Session satisfies it; tests use an in-memory fake.
type Reporter interface {
	AddError(kind, message, url string, retryCount int)
	AddWarning(message, url string)
}

// Collector accumulates one adapter run: it fetches sources through the
// shared fetch client, pushes candidates through the processing pipeline and
// keeps the surviving batch plus the run counters. A Collector belongs to a
// single adapter run and is not safe for use by concurrent adapters.
type Collector struct {
	client   *fetcher.Client
	pipeline *pipeline.Pipeline
	parser   *gofeed.Parser
	reporter Reporter
	stats    *fetcher.FetchStats
	expiry   time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	batch   []*types.ContentRecord
	results types.Results
}

// NewCollector wires the fixed pipeline chain (sanitize, trim, required
// fields, keyword relevance, robots gate, category cap) for one adapter run.
func NewCollector(client *fetcher.Client, rc *robots.Cache, cfg config.ScrapeConfig, userAgent string, rep Reporter, logger *slog.Logger) *Collector {
	c := &Collector{
		client:   client,
		parser:   gofeed.NewParser(),
		reporter: rep,
		stats:    &fetcher.FetchStats{},
		expiry:   time.Duration(cfg.ContentMaxAgeDays) * 24 * time.Hour,
		logger:   logger.With("component", "collector"),
		seen:     make(map[string]struct{}),
	}

	p := pipeline.New(logger)
	p.Use(&pipeline.SanitizeMiddleware{})
	p.Use(&pipeline.TrimMiddleware{})
	p.Use(&pipeline.RequiredFieldsMiddleware{})
	p.Use(&pipeline.KeywordMiddleware{Keywords: cfg.Keywords})
	p.Use(&pipeline.RobotsMiddleware{Cache: rc, UserAgent: userAgent, OnDenied: c.noteDenied})
	p.Use(pipeline.NewCapMiddleware(cfg.MaxItemsPerCategory))
	c.pipeline = p

	return c
}

// FetchFeed retrieves one source URL through the fetch client and parses it
// as RSS/Atom. Failures are recorded on the run log and returned; the caller
// decides whether to continue with the next source. An empty feed is a
// warning, not a failure.
func (c *Collector) FetchFeed(ctx context.Context, src Source) (*gofeed.Feed, error) {
	req := fetcher.NewRequest(src.URL)
	req.Class = src.Class
	req.Stats = c.stats
	req.OnAttemptError = func(attempt int, err error) {
		c.reporter.AddError(types.ErrorKind(err), err.Error(), src.URL, attempt)
	}

	resp, err := c.client.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		c.fail(src, err, attemptsOf(err))
		return nil, err
	}

	feed, err := c.parser.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		perr := &types.ParseError{Source: src.Name, URL: src.URL, Err: err}
		c.fail(src, perr, 0)
		return nil, perr
	}

	c.mu.Lock()
	c.results.URLsProcessed++
	c.mu.Unlock()

	if len(feed.Items) == 0 {
		c.reporter.AddWarning(types.ErrEmptyFeed.Error(), src.URL)
		c.logger.Warn("empty feed", "source", src.Name, "url", src.URL)
		return feed, nil
	}

	c.logger.Info("feed fetched",
		"source", src.Name,
		"url", src.URL,
		"items", len(feed.Items),
	)
	return feed, nil
}

// Add runs one candidate through the pipeline. Survivors join the batch and
// count as Found; a candidate whose hash is already batched counts as a
// duplicate. Only context cancellation is returned as an error.
func (c *Collector) Add(ctx context.Context, rec *types.ContentRecord) error {
	out, err := c.pipeline.Process(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.reporter.AddError(types.ErrorKind(err), err.Error(), rec.URL, 0)
		return nil
	}
	if out == nil {
		return nil
	}

	if out.ExpiresAt == nil && c.expiry > 0 {
		t := out.ScrapedAt.Add(c.expiry)
		out.ExpiresAt = &t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[out.ContentHash]; dup {
		c.results.Duplicates++
		return nil
	}
	c.seen[out.ContentHash] = struct{}{}
	c.batch = append(c.batch, out)
	c.results.Found++
	return nil
}

// Batch returns the surviving records collected so far.
func (c *Collector) Batch() []*types.ContentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.ContentRecord, len(c.batch))
	copy(out, c.batch)
	return out
}

// Results returns the run counters accumulated so far.
func (c *Collector) Results() types.Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results
}

// FetchStats exposes the transport counters for the run's performance and
// politeness summaries.
func (c *Collector) FetchStats() *fetcher.FetchStats { return c.stats }

// fail records a hard source failure. Failed flips the run to partial on
// completion; URLsFailed tracks the politeness report.
func (c *Collector) fail(src Source, err error, retryCount int) {
	c.mu.Lock()
	c.results.URLsProcessed++
	c.results.URLsFailed++
	c.results.Failed++
	c.mu.Unlock()
	c.reporter.AddError(types.ErrorKind(err), err.Error(), src.URL, retryCount)
	c.logger.Warn("source failed", "source", src.Name, "url", src.URL, "error", err)
}

// noteDenied handles a robots denial of a candidate URL: the candidate is
// dropped with a warning, the run itself still completes.
func (c *Collector) noteDenied(url string) {
	c.mu.Lock()
	c.results.URLsFailed++
	c.mu.Unlock()
	c.reporter.AddWarning("robots.txt disallows url", url)
	c.logger.Debug("candidate disallowed by robots.txt", "url", url)
}

func attemptsOf(err error) int {
	var fe *types.FetchError
	if errors.As(err, &fe) {
		return fe.Attempts
	}
	return 0
}
