// Package store persists content records and run logs. The production
// backend is MongoDB; Memory mirrors every contract in-process for tests and
// the CLI dry-run path.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/wmhub/wmscraper/internal/types"
)

// Pagination bounds shared by both backends.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Text search weights, also used by the memory backend's scoring.
const (
	weightTitle       = 10
	weightDescription = 5
	weightTags        = 3
	weightKeywordHits = 3
	weightBody        = 1
)

// UpsertCounts reports the outcome of a bulk upsert. Duplicates are
// documents that matched but did not change.
type UpsertCounts struct {
	Inserted   int64 `json:"inserted"`
	Modified   int64 `json:"modified"`
	Duplicates int64 `json:"duplicates"`
}

// ContentQuery filters and pages a content listing.
type ContentQuery struct {
	Category     types.Category
	SourceHost   string
	Tags         []string
	Keywords     []string
	Status       types.Status
	Search       string
	MinRelevance int
	MaxAgeDays   int
	SortBy       string
	SortOrder    string
	Page         int
	Limit        int
}

// normalize returns the effective page, limit and skip.
func (q ContentQuery) normalize() (page, limit, skip int) {
	page = q.Page
	if page < 1 {
		page = 1
	}
	limit = q.Limit
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit, (page - 1) * limit
}

// sortField maps the requested sort key onto a stored field, defaulting to
// scrape time.
func (q ContentQuery) sortField() string {
	switch q.SortBy {
	case "publishedAt", "relevance", "views", "lastUpdated", "title":
		return q.SortBy
	default:
		return "scrapedAt"
	}
}

func (q ContentQuery) ascending() bool {
	return strings.EqualFold(q.SortOrder, "asc")
}

// RunLogQuery filters and pages run-log listings, newest first.
type RunLogQuery struct {
	Adapter string
	Source  string
	Status  types.RunStatus
	Since   time.Time
	Until   time.Time
	Page    int
	Limit   int
}

func (q RunLogQuery) normalize() (page, limit, skip int) {
	page = q.Page
	if page < 1 {
		page = 1
	}
	limit = q.Limit
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit, (page - 1) * limit
}

// SourceCount is one row of the per-source rollup.
type SourceCount struct {
	Source string `json:"source"`
	Count  int64  `json:"count"`
}

// ContentStats is the dashboard overview of the content collection.
type ContentStats struct {
	Total         int64            `json:"total"`
	ByType        map[string]int64 `json:"byType"`
	BySource      []SourceCount    `json:"bySource"`
	LastScrapedAt *time.Time       `json:"lastScrapedAt,omitempty"`
}

// AdapterRunStats is the per-adapter rollup of recent runs.
type AdapterRunStats struct {
	Adapter       string     `json:"adapter"`
	Runs          int64      `json:"runs"`
	Found         int64      `json:"found"`
	Inserted      int64      `json:"inserted"`
	AvgDurationMs float64    `json:"avgDurationMs"`
	LastRun       *time.Time `json:"lastRun,omitempty"`
}

// RunStats summarizes run logs over a trailing window.
type RunStats struct {
	Days          int               `json:"days"`
	Total         int64             `json:"total"`
	ByStatus      map[string]int64  `json:"byStatus"`
	Results       types.Results     `json:"results"`
	AvgDurationMs float64           `json:"avgDurationMs"`
	ByAdapter     []AdapterRunStats `json:"byAdapter"`
}

// ContentStore is the persistence contract for scraped content.
type ContentStore interface {
	// BulkUpsert writes a batch keyed by content hash. Existing documents
	// keep their first-seen fields (scrapedAt, views, clicks, expiresAt).
	BulkUpsert(ctx context.Context, records []*types.ContentRecord) (UpsertCounts, error)
	Find(ctx context.Context, q ContentQuery) ([]*types.ContentRecord, int64, error)
	ByID(ctx context.Context, id string) (*types.ContentRecord, error)
	IncrementViews(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status types.Status) error
	DeleteByID(ctx context.Context, id string) error
	// Cleanup removes records scraped more than maxAgeDays ago, except
	// flagged ones.
	Cleanup(ctx context.Context, maxAgeDays int) (int64, error)
	StatsOverview(ctx context.Context) (*ContentStats, error)
}

// RunLogStore is the persistence contract for scraping session logs.
type RunLogStore interface {
	Insert(ctx context.Context, log *types.RunLog) error
	// Update replaces a stored run log. It applies only while the stored
	// document is still running, so the first terminal transition wins.
	Update(ctx context.Context, log *types.RunLog) error
	Find(ctx context.Context, q RunLogQuery) ([]*types.RunLog, int64, error)
	ByID(ctx context.Context, sessionID string) (*types.RunLog, error)
	Stats(ctx context.Context, days int) (*RunStats, error)
}
