package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/wmhub/wmscraper/internal/robots"
	"github.com/wmhub/wmscraper/internal/types"
)

// Middleware processes a candidate record and returns the (possibly
// modified) record. Return nil to drop the candidate from the pipeline.
type Middleware interface {
	// Name returns the middleware's identifier.
	Name() string

	// Process transforms a candidate. Return nil to drop it.
	Process(ctx context.Context, rec *types.ContentRecord) (*types.ContentRecord, error)
}

// PipelineError wraps a middleware failure with its stage.
type PipelineError struct {
	Stage string
	URL   string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s (%s): %v", e.Stage, e.URL, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Pipeline chains middleware processors together.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// New creates a new Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger.With("component", "pipeline"),
	}
}

// Use adds a middleware to the pipeline chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// Process runs the candidate through all middleware in order. A nil record
// with nil error means the candidate was dropped.
func (p *Pipeline) Process(ctx context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	current := rec

	for _, mw := range p.middlewares {
		result, err := mw.Process(ctx, current)
		if err != nil {
			return nil, &PipelineError{
				Stage: mw.Name(),
				URL:   current.URL,
				Err:   err,
			}
		}
		if result == nil {
			p.logger.Debug("candidate dropped", "stage", mw.Name(), "url", rec.URL, "title", rec.Title)
			return nil, nil
		}
		current = result
	}

	return current, nil
}

// Len returns the number of middleware in the chain.
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// --- Built-in Middleware ---

// TrimMiddleware normalizes whitespace and clamps oversized text fields.
type TrimMiddleware struct{}

func (m *TrimMiddleware) Name() string { return "trim" }

func (m *TrimMiddleware) Process(_ context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	rec.Title = types.Truncate(strings.TrimSpace(rec.Title), types.MaxTitleLen)
	rec.Description = types.Truncate(strings.TrimSpace(rec.Description), types.MaxDescriptionLen)
	rec.URL = strings.TrimSpace(rec.URL)
	rec.SourceName = strings.TrimSpace(rec.SourceName)
	for i, tag := range rec.Tags {
		rec.Tags[i] = strings.ToLower(strings.TrimSpace(tag))
	}
	// Truncation can change the title, so the identity hash follows it.
	rec.ContentHash = types.ContentHash(rec.URL, rec.Title)
	return rec, nil
}

// RequiredFieldsMiddleware drops candidates without a title and a usable URL.
type RequiredFieldsMiddleware struct{}

func (m *RequiredFieldsMiddleware) Name() string { return "required_fields" }

func (m *RequiredFieldsMiddleware) Process(_ context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	if rec.Title == "" || rec.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(rec.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, nil
	}
	return rec, nil
}

// KeywordMiddleware keeps candidates whose text mentions at least one
// configured keyword and records which keywords matched. Keywords are
// expected lower-cased; an empty list keeps everything.
type KeywordMiddleware struct {
	Keywords []string
}

func (m *KeywordMiddleware) Name() string { return "keywords" }

func (m *KeywordMiddleware) Process(_ context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	if len(m.Keywords) == 0 {
		return rec, nil
	}
	corpus := strings.ToLower(rec.Title + " " + rec.Description + " " + rec.Body)
	var hits []string
	for _, kw := range m.Keywords {
		if kw != "" && strings.Contains(corpus, kw) {
			hits = append(hits, kw)
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	rec.KeywordHits = hits
	return rec, nil
}

// RobotsMiddleware drops candidates whose own URL is disallowed by its
// origin's robots.txt, so denied pages never reach the store or a later
// fetch. OnDenied, when set, is invoked for every dropped URL.
type RobotsMiddleware struct {
	Cache     *robots.Cache
	UserAgent string
	OnDenied  func(url string)
}

func (m *RobotsMiddleware) Name() string { return "robots" }

func (m *RobotsMiddleware) Process(ctx context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	allowed, err := m.Cache.IsAllowed(ctx, rec.URL, m.UserAgent)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Unparsable URL; required_fields handles the common cases.
		return nil, nil
	}
	if !allowed {
		if m.OnDenied != nil {
			m.OnDenied(rec.URL)
		}
		return nil, nil
	}
	return rec, nil
}

// CapMiddleware bounds how many candidates pass per category in one run.
type CapMiddleware struct {
	Max    int
	mu     sync.Mutex
	counts map[types.Category]int
}

// NewCapMiddleware builds a cap of max items per category; max <= 0 means
// unbounded.
func NewCapMiddleware(max int) *CapMiddleware {
	return &CapMiddleware{
		Max:    max,
		counts: make(map[types.Category]int),
	}
}

func (m *CapMiddleware) Name() string { return "category_cap" }

func (m *CapMiddleware) Process(_ context.Context, rec *types.ContentRecord) (*types.ContentRecord, error) {
	if m.Max <= 0 {
		return rec, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts[rec.Category] >= m.Max {
		return nil, nil
	}
	m.counts[rec.Category]++
	return rec, nil
}
