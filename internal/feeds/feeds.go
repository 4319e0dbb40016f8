// Package feeds turns external RSS/Atom sources into content record
// candidates. Each adapter owns a static source list for one category and
// pushes normalized candidates through a Collector, which applies the
// processing pipeline and accumulates the batch for the run.
package feeds

import (
	"context"
	"sort"
	"strings"

	"github.com/wmhub/wmscraper/internal/fetcher"
	"github.com/wmhub/wmscraper/internal/types"
)

// Source is one feed endpoint an adapter polls.
type Source struct {
	URL   string
	Name  string
	Class fetcher.Class
}

// Adapter produces candidates for one content category. Run must respect
// ctx and may only return an error for cancellation; per-source failures are
// recorded on the Collector and do not abort the run.
type Adapter interface {
	Name() string
	Category() types.Category
	Run(ctx context.Context, c *Collector) error
}

// FeedAdapter is the built-in Adapter: fetch every source as a feed,
// normalize each item and hand it to the Collector. An optional enrich hook
// runs before the pipeline (the jobs adapter uses it to split titles).
type FeedAdapter struct {
	name     string
	category types.Category
	sources  []Source
	enrich   func(*types.ContentRecord)
}

// NewFeedAdapter creates a feed-driven adapter for one category.
func NewFeedAdapter(name string, category types.Category, sources []Source) *FeedAdapter {
	return &FeedAdapter{name: name, category: category, sources: sources}
}

// WithEnrich sets a per-record enrichment hook and returns the adapter.
func (a *FeedAdapter) WithEnrich(fn func(*types.ContentRecord)) *FeedAdapter {
	a.enrich = fn
	return a
}

func (a *FeedAdapter) Name() string             { return a.name }
func (a *FeedAdapter) Category() types.Category { return a.category }

// Sources returns the adapter's configured source list.
func (a *FeedAdapter) Sources() []Source {
	out := make([]Source, len(a.sources))
	copy(out, a.sources)
	return out
}

// Run fetches each source in order. Source failures are recorded by the
// Collector and skipped; only context cancellation stops the run early.
func (a *FeedAdapter) Run(ctx context.Context, c *Collector) error {
	for _, src := range a.sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		feed, err := c.FetchFeed(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		for _, item := range feed.Items {
			rec := normalizeItem(item, src, a.category)
			if rec == nil {
				continue
			}
			rec.ScrapedBy = a.name
			if a.enrich != nil {
				a.enrich(rec)
			}
			if err := c.Add(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Registry holds the available adapters, preserving registration order for
// the full-run fan-out and the /scraper/types listing.
type Registry struct {
	order  []string
	byName map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering a name replaces the adapter but
// keeps its original position.
func (r *Registry) Register(a Adapter) {
	name := strings.ToLower(a.Name())
	if _, ok := r.byName[name]; !ok {
		r.order = append(r.order, name)
	}
	r.byName[name] = a
}

// Get looks an adapter up by name, case-insensitively.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Names returns the registered adapter names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns the adapters in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Categories returns the sorted distinct categories served by the registry.
func (r *Registry) Categories() []types.Category {
	seen := make(map[types.Category]bool)
	var out []types.Category
	for _, a := range r.byName {
		if !seen[a.Category()] {
			seen[a.Category()] = true
			out = append(out, a.Category())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
