package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/wmhub/wmscraper/internal/types"
)

// topSourceCount caps the per-source rollup in the stats overview.
const topSourceCount = 10

// MemoryContent is the in-process ContentStore. It mirrors the Mongo
// backend's upsert and query semantics so tests and the dry-run CLI path
// exercise the same contract.
type MemoryContent struct {
	mu     sync.RWMutex
	byHash map[string]*types.ContentRecord
	byID   map[string]string // ObjectID hex -> content hash
}

// NewMemoryContent returns an empty in-process content store.
func NewMemoryContent() *MemoryContent {
	return &MemoryContent{
		byHash: make(map[string]*types.ContentRecord),
		byID:   make(map[string]string),
	}
}

// BulkUpsert inserts unseen hashes and rewrites the mutable fields of known
// ones. First-seen fields (scrapedAt, views, clicks, expiresAt) survive
// re-observation; lastUpdated is bumped on every write, so a matched record
// counts as modified.
func (m *MemoryContent) BulkUpsert(ctx context.Context, records []*types.ContentRecord) (UpsertCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts UpsertCounts
	var processed int64
	now := time.Now().UTC()
	for _, rec := range records {
		if rec == nil || rec.ContentHash == "" {
			continue
		}
		processed++
		if existing, ok := m.byHash[rec.ContentHash]; ok {
			applyRecordUpdate(existing, rec, now)
			counts.Modified++
			continue
		}
		c := cloneRecord(rec)
		if c.ID.IsZero() {
			c.ID = primitive.NewObjectID()
		}
		if c.ScrapedAt.IsZero() {
			c.ScrapedAt = now
		}
		c.LastUpdated = now
		m.byHash[c.ContentHash] = c
		m.byID[c.ID.Hex()] = c.ContentHash
		counts.Inserted++
	}
	counts.Duplicates = processed - counts.Inserted - counts.Modified
	if counts.Duplicates < 0 {
		counts.Duplicates = 0
	}
	return counts, nil
}

// Find filters, scores, sorts and pages the stored records.
func (m *MemoryContent) Find(ctx context.Context, q ContentQuery) ([]*types.ContentRecord, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(q.Search))
	scores := make(map[string]int)
	var matched []*types.ContentRecord
	for _, rec := range m.byHash {
		if !recordMatches(rec, q) {
			continue
		}
		if len(terms) > 0 {
			score := textScore(rec, terms)
			if score == 0 {
				continue
			}
			scores[rec.ContentHash] = score
		}
		matched = append(matched, rec)
	}

	if len(terms) > 0 {
		sort.Slice(matched, func(i, j int) bool {
			si, sj := scores[matched[i].ContentHash], scores[matched[j].ContentHash]
			if si != sj {
				return si > sj
			}
			return matched[i].ScrapedAt.After(matched[j].ScrapedAt)
		})
	} else {
		sortRecords(matched, q.sortField(), q.ascending())
	}

	total := int64(len(matched))
	_, limit, skip := q.normalize()
	if skip >= len(matched) {
		return []*types.ContentRecord{}, total, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*types.ContentRecord, 0, end-skip)
	for _, rec := range matched[skip:end] {
		out = append(out, cloneRecord(rec))
	}
	return out, total, nil
}

// ByID returns the record with the given ObjectID hex.
func (m *MemoryContent) ByID(ctx context.Context, id string) (*types.ContentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneRecord(rec), nil
}

// IncrementViews bumps a record's view counter.
func (m *MemoryContent) IncrementViews(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	rec.Views++
	return nil
}

// UpdateStatus sets a record's moderation status.
func (m *MemoryContent) UpdateStatus(ctx context.Context, id string, status types.Status) error {
	if !status.Valid() {
		return types.ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	rec.Status = status
	if status == types.StatusFlagged {
		rec.ExpiresAt = nil
	}
	rec.LastUpdated = time.Now().UTC()
	return nil
}

// DeleteByID removes a record.
func (m *MemoryContent) DeleteByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	delete(m.byHash, rec.ContentHash)
	delete(m.byID, id)
	return nil
}

// Cleanup removes records scraped more than maxAgeDays ago. Flagged records
// are exempt.
func (m *MemoryContent) Cleanup(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for hash, rec := range m.byHash {
		if rec.Status == types.StatusFlagged {
			continue
		}
		if rec.ScrapedAt.Before(cutoff) {
			delete(m.byHash, hash)
			delete(m.byID, rec.ID.Hex())
			removed++
		}
	}
	return removed, nil
}

// StatsOverview rolls up totals by category and the top sources.
func (m *MemoryContent) StatsOverview(ctx context.Context) (*ContentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &ContentStats{
		Total:  int64(len(m.byHash)),
		ByType: make(map[string]int64),
	}
	bySource := make(map[string]int64)
	for _, rec := range m.byHash {
		stats.ByType[string(rec.Category)]++
		bySource[rec.SourceHost]++
		if stats.LastScrapedAt == nil || rec.ScrapedAt.After(*stats.LastScrapedAt) {
			t := rec.ScrapedAt
			stats.LastScrapedAt = &t
		}
	}
	for source, count := range bySource {
		stats.BySource = append(stats.BySource, SourceCount{Source: source, Count: count})
	}
	sort.Slice(stats.BySource, func(i, j int) bool {
		if stats.BySource[i].Count != stats.BySource[j].Count {
			return stats.BySource[i].Count > stats.BySource[j].Count
		}
		return stats.BySource[i].Source < stats.BySource[j].Source
	})
	if len(stats.BySource) > topSourceCount {
		stats.BySource = stats.BySource[:topSourceCount]
	}
	return stats, nil
}

// All returns every stored record, newest scrape first. Used by the CLI
// export path; not part of the ContentStore contract.
func (m *MemoryContent) All() []*types.ContentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ContentRecord, 0, len(m.byHash))
	for _, rec := range m.byHash {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScrapedAt.After(out[j].ScrapedAt) })
	return out
}

// lookupLocked resolves an id to its live record. Callers hold m.mu.
func (m *MemoryContent) lookupLocked(id string) (*types.ContentRecord, error) {
	hash, ok := m.byID[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	rec, ok := m.byHash[hash]
	if !ok {
		return nil, types.ErrNotFound
	}
	return rec, nil
}

// recordMatches applies the non-search filters of a query.
func recordMatches(rec *types.ContentRecord, q ContentQuery) bool {
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	if q.SourceHost != "" && rec.SourceHost != types.NormalizeHost(q.SourceHost) {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if len(q.Tags) > 0 && !containsAny(rec.Tags, q.Tags) {
		return false
	}
	if len(q.Keywords) > 0 && !containsAny(rec.KeywordHits, q.Keywords) {
		return false
	}
	if q.MinRelevance > 0 && rec.Relevance < q.MinRelevance {
		return false
	}
	if q.MaxAgeDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -q.MaxAgeDays)
		if rec.ScrapedAt.Before(cutoff) {
			return false
		}
	}
	return true
}

func containsAny(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

// textScore mirrors the Mongo text index: occurrences weighted per field.
func textScore(rec *types.ContentRecord, terms []string) int {
	title := strings.ToLower(rec.Title)
	description := strings.ToLower(rec.Description)
	body := strings.ToLower(rec.Body)
	tags := strings.ToLower(strings.Join(rec.Tags, " "))
	hits := strings.ToLower(strings.Join(rec.KeywordHits, " "))

	score := 0
	for _, term := range terms {
		score += weightTitle * strings.Count(title, term)
		score += weightDescription * strings.Count(description, term)
		score += weightTags * strings.Count(tags, term)
		score += weightKeywordHits * strings.Count(hits, term)
		score += weightBody * strings.Count(body, term)
	}
	return score
}

func sortRecords(records []*types.ContentRecord, field string, asc bool) {
	sort.Slice(records, func(i, j int) bool {
		less := recordLess(records[i], records[j], field)
		if asc {
			return less
		}
		return recordLess(records[j], records[i], field)
	})
}

func recordLess(a, b *types.ContentRecord, field string) bool {
	switch field {
	case "publishedAt":
		return timePtr(a.PublishedAt).Before(timePtr(b.PublishedAt))
	case "relevance":
		return a.Relevance < b.Relevance
	case "views":
		return a.Views < b.Views
	case "lastUpdated":
		return a.LastUpdated.Before(b.LastUpdated)
	case "title":
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	default:
		return a.ScrapedAt.Before(b.ScrapedAt)
	}
}

func timePtr(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// applyRecordUpdate rewrites dst's mutable fields from src. Identity and
// first-seen fields stay: ID, contentHash, scrapedAt, views, clicks,
// expiresAt.
func applyRecordUpdate(dst, src *types.ContentRecord, now time.Time) {
	dst.Category = src.Category
	dst.Title = src.Title
	dst.Description = src.Description
	dst.Body = src.Body
	dst.URL = src.URL
	dst.ImageURL = src.ImageURL
	dst.Author = cloneAuthor(src.Author)
	dst.PublishedAt = cloneTime(src.PublishedAt)
	dst.SourceHost = src.SourceHost
	dst.SourceName = src.SourceName
	dst.Tags = append([]string(nil), src.Tags...)
	dst.KeywordHits = append([]string(nil), src.KeywordHits...)
	dst.Relevance = src.Relevance
	dst.Job = cloneJob(src.Job)
	dst.ScrapedBy = src.ScrapedBy
	dst.Status = src.Status
	dst.LastUpdated = now
}

func cloneRecord(r *types.ContentRecord) *types.ContentRecord {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	c.KeywordHits = append([]string(nil), r.KeywordHits...)
	c.Author = cloneAuthor(r.Author)
	c.Job = cloneJob(r.Job)
	c.PublishedAt = cloneTime(r.PublishedAt)
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	return &c
}

func cloneAuthor(a *types.Author) *types.Author {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func cloneJob(j *types.JobDetail) *types.JobDetail {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// MemoryRunLogs is the in-process RunLogStore.
type MemoryRunLogs struct {
	mu   sync.RWMutex
	runs map[string]*types.RunLog
}

// NewMemoryRunLogs returns an empty in-process run-log store.
func NewMemoryRunLogs() *MemoryRunLogs {
	return &MemoryRunLogs{runs: make(map[string]*types.RunLog)}
}

// Insert stores a new run log keyed by session id.
func (m *MemoryRunLogs) Insert(ctx context.Context, log *types.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[log.SessionID]; ok {
		return &types.StoreError{Op: "runlog insert", Err: errors.New("duplicate session id")}
	}
	m.runs[log.SessionID] = cloneRunLog(log)
	return nil
}

// Update replaces a stored run log while it is still running. A no-op once
// the stored document is terminal.
func (m *MemoryRunLogs) Update(ctx context.Context, log *types.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[log.SessionID]
	if !ok || existing.Status.Terminal() {
		return nil
	}
	m.runs[log.SessionID] = cloneRunLog(log)
	return nil
}

// Find lists run logs newest first.
func (m *MemoryRunLogs) Find(ctx context.Context, q RunLogQuery) ([]*types.RunLog, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*types.RunLog
	for _, run := range m.runs {
		if !runMatches(run, q) {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := int64(len(matched))
	_, limit, skip := q.normalize()
	if skip >= len(matched) {
		return []*types.RunLog{}, total, nil
	}
	end := skip + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*types.RunLog, 0, end-skip)
	for _, run := range matched[skip:end] {
		out = append(out, cloneRunLog(run))
	}
	return out, total, nil
}

// ByID returns the run log with the given session id.
func (m *MemoryRunLogs) ByID(ctx context.Context, sessionID string) (*types.RunLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[sessionID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cloneRunLog(run), nil
}

// Stats summarizes runs started within the trailing window.
func (m *MemoryRunLogs) Stats(ctx context.Context, days int) (*RunStats, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &RunStats{Days: days, ByStatus: make(map[string]int64)}
	byAdapter := make(map[string]*AdapterRunStats)
	durSum := make(map[string]float64)
	durCount := make(map[string]int64)
	var durationSum float64
	var durationCount int64
	for _, run := range m.runs {
		if run.StartedAt.Before(cutoff) {
			continue
		}
		stats.Total++
		stats.ByStatus[string(run.Status)]++
		stats.Results.Add(run.Results)
		if run.EndedAt != nil {
			durationSum += float64(run.DurationMs)
			durationCount++
			durSum[run.Adapter] += float64(run.DurationMs)
			durCount[run.Adapter]++
		}

		agg, ok := byAdapter[run.Adapter]
		if !ok {
			agg = &AdapterRunStats{Adapter: run.Adapter}
			byAdapter[run.Adapter] = agg
		}
		agg.Runs++
		agg.Found += int64(run.Results.Found)
		agg.Inserted += int64(run.Results.Inserted)
		if agg.LastRun == nil || run.StartedAt.After(*agg.LastRun) {
			t := run.StartedAt
			agg.LastRun = &t
		}
	}
	if durationCount > 0 {
		stats.AvgDurationMs = durationSum / float64(durationCount)
	}
	for name, agg := range byAdapter {
		if n := durCount[name]; n > 0 {
			agg.AvgDurationMs = durSum[name] / float64(n)
		}
		stats.ByAdapter = append(stats.ByAdapter, *agg)
	}
	sort.Slice(stats.ByAdapter, func(i, j int) bool {
		return stats.ByAdapter[i].Adapter < stats.ByAdapter[j].Adapter
	})
	return stats, nil
}

func runMatches(run *types.RunLog, q RunLogQuery) bool {
	if q.Adapter != "" && !strings.EqualFold(run.Adapter, q.Adapter) {
		return false
	}
	if q.Source != "" && !strings.EqualFold(run.Source, q.Source) {
		return false
	}
	if q.Status != "" && run.Status != q.Status {
		return false
	}
	if !q.Since.IsZero() && run.StartedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && run.StartedAt.After(q.Until) {
		return false
	}
	return true
}

func cloneRunLog(r *types.RunLog) *types.RunLog {
	c := *r
	c.Errors = make([]types.RunError, len(r.Errors))
	copy(c.Errors, r.Errors)
	c.Warnings = make([]types.RunWarning, len(r.Warnings))
	copy(c.Warnings, r.Warnings)
	c.Config.Keywords = append([]string(nil), r.Config.Keywords...)
	c.EndedAt = cloneTime(r.EndedAt)
	return &c
}
