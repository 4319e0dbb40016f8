package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wmhub/wmscraper/internal/types"
)

const (
	connectTimeout  = 10 * time.Second
	opTimeout       = 30 * time.Second
	runLogRetention = 30 * 24 * time.Hour
)

// Mongo owns the client connection and hands out the two stores backed by
// it.
type Mongo struct {
	client  *mongo.Client
	db      *mongo.Database
	Content *MongoContent
	RunLogs *MongoRunLogs
	logger  *slog.Logger
}

// Connect dials MongoDB, verifies the connection and ensures the indexes
// both collections rely on. The database name comes from the URI path,
// defaulting to "wmscraper".
func Connect(ctx context.Context, uri string, logger *slog.Logger) (*Mongo, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	log := logger.With("component", "store")
	db := client.Database(databaseName(uri))
	m := &Mongo{
		client: client,
		db:     db,
		Content: &MongoContent{
			collection: db.Collection("content"),
			logger:     log,
		},
		RunLogs: &MongoRunLogs{
			collection: db.Collection("runlogs"),
			logger:     log,
		},
		logger: log,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	log.Info("mongodb connected", "database", db.Name())
	return m, nil
}

// Ping verifies the connection is still alive.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	idxCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	contentIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "contentHash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "category", Value: 1}}},
		{Keys: bson.D{{Key: "sourceHost", Value: 1}}},
		{Keys: bson.D{{Key: "scrapedAt", Value: -1}}},
		{Keys: bson.D{{Key: "publishedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{
			// TTL on the per-record expiry stamp.
			Keys:    bson.D{{Key: "expiresAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{
				{Key: "title", Value: "text"},
				{Key: "description", Value: "text"},
				{Key: "tags", Value: "text"},
				{Key: "keywordHits", Value: "text"},
				{Key: "body", Value: "text"},
			},
			Options: options.Index().SetName("content_text").SetWeights(bson.D{
				{Key: "title", Value: weightTitle},
				{Key: "description", Value: weightDescription},
				{Key: "tags", Value: weightTags},
				{Key: "keywordHits", Value: weightKeywordHits},
				{Key: "body", Value: weightBody},
			}),
		},
	}
	if _, err := m.Content.collection.Indexes().CreateMany(idxCtx, contentIndexes); err != nil {
		return fmt.Errorf("content indexes: %w", err)
	}

	runIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "startedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(runLogRetention.Seconds())),
		},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "adapter", Value: 1}}},
	}
	if _, err := m.RunLogs.collection.Indexes().CreateMany(idxCtx, runIndexes); err != nil {
		return fmt.Errorf("runlog indexes: %w", err)
	}
	return nil
}

func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "wmscraper"
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		return name
	}
	return "wmscraper"
}

// MongoContent implements ContentStore on a MongoDB collection.
type MongoContent struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// BulkUpsert writes the batch as unordered UpdateOne upserts keyed by
// content hash. Duplicate-key races between concurrent runs count as
// modified; any other write error fails the batch.
func (s *MongoContent) BulkUpsert(ctx context.Context, records []*types.ContentRecord) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(records) == 0 {
		return counts, nil
	}

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		if rec == nil || rec.ContentHash == "" {
			continue
		}
		scrapedAt := rec.ScrapedAt
		if scrapedAt.IsZero() {
			scrapedAt = now
		}
		update := bson.M{
			"$set": bson.M{
				"category":    rec.Category,
				"title":       rec.Title,
				"description": rec.Description,
				"body":        rec.Body,
				"url":         rec.URL,
				"imageUrl":    rec.ImageURL,
				"author":      rec.Author,
				"publishedAt": rec.PublishedAt,
				"sourceHost":  rec.SourceHost,
				"sourceName":  rec.SourceName,
				"tags":        rec.Tags,
				"keywordHits": rec.KeywordHits,
				"relevance":   rec.Relevance,
				"job":         rec.Job,
				"scrapedBy":   rec.ScrapedBy,
				"status":      rec.Status,
				"lastUpdated": now,
			},
			"$setOnInsert": bson.M{
				"contentHash": rec.ContentHash,
				"scrapedAt":   scrapedAt,
				"views":       rec.Views,
				"clicks":      rec.Clicks,
				"expiresAt":   rec.ExpiresAt,
			},
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"contentHash": rec.ContentHash}).
			SetUpdate(update).
			SetUpsert(true))
	}
	if len(models) == 0 {
		return counts, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.collection.BulkWrite(opCtx, models, options.BulkWrite().SetOrdered(false))
	if res != nil {
		counts.Inserted = res.UpsertedCount
		counts.Modified = res.ModifiedCount
	}
	if err != nil {
		var bwe mongo.BulkWriteException
		if !errors.As(err, &bwe) {
			return counts, &types.StoreError{Op: "bulk upsert", Err: err}
		}
		for _, we := range bwe.WriteErrors {
			// Concurrent upserts of the same hash collide on the unique
			// index; the document exists, so the write counts as modified.
			if we.Code == 11000 {
				counts.Modified++
				continue
			}
			return counts, &types.StoreError{Op: "bulk upsert", Err: err}
		}
	}
	counts.Duplicates = int64(len(models)) - counts.Inserted - counts.Modified
	if counts.Duplicates < 0 {
		counts.Duplicates = 0
	}
	s.logger.Debug("bulk upsert",
		"batch", len(models),
		"inserted", counts.Inserted,
		"modified", counts.Modified,
		"duplicates", counts.Duplicates,
	)
	return counts, nil
}

// Find filters, sorts and pages the collection. With a search string it uses
// the text index and orders by text score.
func (s *MongoContent) Find(ctx context.Context, q ContentQuery) ([]*types.ContentRecord, int64, error) {
	filter := contentFilter(q)
	_, limit, skip := q.normalize()
	findOpts := options.Find().SetSkip(int64(skip)).SetLimit(int64(limit))
	if q.Search != "" {
		filter["$text"] = bson.M{"$search": q.Search}
		findOpts.SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}})
		findOpts.SetSort(bson.M{"score": bson.M{"$meta": "textScore"}})
	} else {
		dir := -1
		if q.ascending() {
			dir = 1
		}
		findOpts.SetSort(bson.D{{Key: q.sortField(), Value: dir}, {Key: "_id", Value: dir}})
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	total, err := s.collection.CountDocuments(opCtx, filter)
	if err != nil {
		return nil, 0, &types.StoreError{Op: "count content", Err: err}
	}
	cur, err := s.collection.Find(opCtx, filter, findOpts)
	if err != nil {
		return nil, 0, &types.StoreError{Op: "find content", Err: err}
	}
	var out []*types.ContentRecord
	if err := cur.All(opCtx, &out); err != nil {
		return nil, 0, &types.StoreError{Op: "decode content", Err: err}
	}
	if out == nil {
		out = []*types.ContentRecord{}
	}
	return out, total, nil
}

// ByID returns the record with the given ObjectID hex.
func (s *MongoContent) ByID(ctx context.Context, id string) (*types.ContentRecord, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, types.ErrNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var rec types.ContentRecord
	if err := s.collection.FindOne(opCtx, bson.M{"_id": oid}).Decode(&rec); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, types.ErrNotFound
		}
		return nil, &types.StoreError{Op: "find content by id", Err: err}
	}
	return &rec, nil
}

// IncrementViews bumps a record's view counter.
func (s *MongoContent) IncrementViews(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return types.ErrNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.collection.UpdateByID(opCtx, oid, bson.M{"$inc": bson.M{"views": 1}})
	if err != nil {
		return &types.StoreError{Op: "increment views", Err: err}
	}
	if res.MatchedCount == 0 {
		return types.ErrNotFound
	}
	return nil
}

// UpdateStatus sets a record's moderation status.
func (s *MongoContent) UpdateStatus(ctx context.Context, id string, status types.Status) error {
	if !status.Valid() {
		return types.ErrInvalidStatus
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return types.ErrNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	update := bson.M{
		"$set": bson.M{"status": status, "lastUpdated": time.Now().UTC()},
	}
	// Flagged records must not expire. The TTL index has no status filter,
	// so flagging drops the expiry stamp instead.
	if status == types.StatusFlagged {
		update["$unset"] = bson.M{"expiresAt": ""}
	}
	res, err := s.collection.UpdateByID(opCtx, oid, update)
	if err != nil {
		return &types.StoreError{Op: "update status", Err: err}
	}
	if res.MatchedCount == 0 {
		return types.ErrNotFound
	}
	return nil
}

// DeleteByID removes a record.
func (s *MongoContent) DeleteByID(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return types.ErrNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.collection.DeleteOne(opCtx, bson.M{"_id": oid})
	if err != nil {
		return &types.StoreError{Op: "delete content", Err: err}
	}
	if res.DeletedCount == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Cleanup removes records scraped more than maxAgeDays ago. Flagged records
// are exempt.
func (s *MongoContent) Cleanup(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.collection.DeleteMany(opCtx, bson.M{
		"scrapedAt": bson.M{"$lt": cutoff},
		"status":    bson.M{"$ne": types.StatusFlagged},
	})
	if err != nil {
		return 0, &types.StoreError{Op: "cleanup", Err: err}
	}
	if res.DeletedCount > 0 {
		s.logger.Info("cleanup removed stale content", "removed", res.DeletedCount, "maxAgeDays", maxAgeDays)
	}
	return res.DeletedCount, nil
}

// StatsOverview rolls up totals by category and the top sources.
func (s *MongoContent) StatsOverview(ctx context.Context) (*ContentStats, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	total, err := s.collection.CountDocuments(opCtx, bson.M{})
	if err != nil {
		return nil, &types.StoreError{Op: "content stats", Err: err}
	}
	stats := &ContentStats{Total: total, ByType: make(map[string]int64)}

	byType, err := s.groupCounts(opCtx, "$category")
	if err != nil {
		return nil, err
	}
	for _, row := range byType {
		stats.ByType[row.ID] = row.Count
	}

	bySource, err := s.groupCounts(opCtx, "$sourceHost")
	if err != nil {
		return nil, err
	}
	for i, row := range bySource {
		if i == topSourceCount {
			break
		}
		stats.BySource = append(stats.BySource, SourceCount{Source: row.ID, Count: row.Count})
	}

	var latest struct {
		ScrapedAt time.Time `bson:"scrapedAt"`
	}
	err = s.collection.FindOne(opCtx, bson.M{},
		options.FindOne().
			SetSort(bson.D{{Key: "scrapedAt", Value: -1}}).
			SetProjection(bson.M{"scrapedAt": 1}),
	).Decode(&latest)
	switch err {
	case nil:
		stats.LastScrapedAt = &latest.ScrapedAt
	case mongo.ErrNoDocuments:
	default:
		return nil, &types.StoreError{Op: "content stats", Err: err}
	}
	return stats, nil
}

type countRow struct {
	ID    string `bson:"_id"`
	Count int64  `bson:"count"`
}

func (s *MongoContent) groupCounts(ctx context.Context, field string) ([]countRow, error) {
	cur, err := s.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": field, "count": bson.M{"$sum": 1}}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, &types.StoreError{Op: "content stats", Err: err}
	}
	var rows []countRow
	if err := cur.All(ctx, &rows); err != nil {
		return nil, &types.StoreError{Op: "content stats", Err: err}
	}
	return rows, nil
}

func contentFilter(q ContentQuery) bson.M {
	filter := bson.M{}
	if q.Category != "" {
		filter["category"] = q.Category
	}
	if q.SourceHost != "" {
		filter["sourceHost"] = types.NormalizeHost(q.SourceHost)
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if len(q.Tags) > 0 {
		filter["tags"] = bson.M{"$in": q.Tags}
	}
	if len(q.Keywords) > 0 {
		filter["keywordHits"] = bson.M{"$in": q.Keywords}
	}
	if q.MinRelevance > 0 {
		filter["relevance"] = bson.M{"$gte": q.MinRelevance}
	}
	if q.MaxAgeDays > 0 {
		filter["scrapedAt"] = bson.M{"$gte": time.Now().UTC().AddDate(0, 0, -q.MaxAgeDays)}
	}
	return filter
}

// MongoRunLogs implements RunLogStore on a MongoDB collection.
type MongoRunLogs struct {
	collection *mongo.Collection
	logger     *slog.Logger
}

// Insert stores a new run log.
func (s *MongoRunLogs) Insert(ctx context.Context, log *types.RunLog) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.collection.InsertOne(opCtx, log); err != nil {
		return &types.StoreError{Op: "runlog insert", Err: err}
	}
	return nil
}

// Update replaces the stored document while it is still running. The status
// filter makes the first terminal transition win; later writes match
// nothing and are dropped.
func (s *MongoRunLogs) Update(ctx context.Context, log *types.RunLog) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.collection.ReplaceOne(opCtx, bson.M{
		"_id":    log.SessionID,
		"status": types.RunRunning,
	}, log)
	if err != nil {
		return &types.StoreError{Op: "runlog update", Err: err}
	}
	return nil
}

// Find lists run logs newest first.
func (s *MongoRunLogs) Find(ctx context.Context, q RunLogQuery) ([]*types.RunLog, int64, error) {
	filter := bson.M{}
	if q.Adapter != "" {
		filter["adapter"] = strings.ToLower(q.Adapter)
	}
	if q.Source != "" {
		filter["source"] = q.Source
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	started := bson.M{}
	if !q.Since.IsZero() {
		started["$gte"] = q.Since
	}
	if !q.Until.IsZero() {
		started["$lte"] = q.Until
	}
	if len(started) > 0 {
		filter["startedAt"] = started
	}

	_, limit, skip := q.normalize()
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	total, err := s.collection.CountDocuments(opCtx, filter)
	if err != nil {
		return nil, 0, &types.StoreError{Op: "count runlogs", Err: err}
	}
	cur, err := s.collection.Find(opCtx, filter, options.Find().
		SetSort(bson.D{{Key: "startedAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, &types.StoreError{Op: "find runlogs", Err: err}
	}
	var out []*types.RunLog
	if err := cur.All(opCtx, &out); err != nil {
		return nil, 0, &types.StoreError{Op: "decode runlogs", Err: err}
	}
	if out == nil {
		out = []*types.RunLog{}
	}
	return out, total, nil
}

// ByID returns the run log with the given session id.
func (s *MongoRunLogs) ByID(ctx context.Context, sessionID string) (*types.RunLog, error) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var run types.RunLog
	if err := s.collection.FindOne(opCtx, bson.M{"_id": sessionID}).Decode(&run); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, types.ErrNotFound
		}
		return nil, &types.StoreError{Op: "find runlog by id", Err: err}
	}
	return &run, nil
}

// Stats summarizes runs started within the trailing window.
func (s *MongoRunLogs) Stats(ctx context.Context, days int) (*RunStats, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	match := bson.D{{Key: "$match", Value: bson.M{"startedAt": bson.M{"$gte": cutoff}}}}

	// Averages skip still-running documents, which have no endedAt yet.
	avgDuration := bson.M{"$avg": bson.M{"$cond": bson.A{
		bson.M{"$ifNull": bson.A{"$endedAt", false}},
		"$durationMs",
		nil,
	}}}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	stats := &RunStats{Days: days, ByStatus: make(map[string]int64)}

	statusCur, err := s.collection.Aggregate(opCtx, mongo.Pipeline{
		match,
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, &types.StoreError{Op: "runlog stats", Err: err}
	}
	var statusRows []countRow
	if err := statusCur.All(opCtx, &statusRows); err != nil {
		return nil, &types.StoreError{Op: "runlog stats", Err: err}
	}
	for _, row := range statusRows {
		stats.ByStatus[row.ID] = row.Count
		stats.Total += row.Count
	}

	totalsCur, err := s.collection.Aggregate(opCtx, mongo.Pipeline{
		match,
		{{Key: "$group", Value: bson.M{
			"_id":           nil,
			"found":         bson.M{"$sum": "$results.found"},
			"inserted":      bson.M{"$sum": "$results.inserted"},
			"updated":       bson.M{"$sum": "$results.updated"},
			"duplicates":    bson.M{"$sum": "$results.duplicates"},
			"failed":        bson.M{"$sum": "$results.failed"},
			"urlsProcessed": bson.M{"$sum": "$results.urlsProcessed"},
			"urlsFailed":    bson.M{"$sum": "$results.urlsFailed"},
			"avgDurationMs": avgDuration,
		}}},
	})
	if err != nil {
		return nil, &types.StoreError{Op: "runlog stats", Err: err}
	}
	var totals []struct {
		types.Results `bson:",inline"`
		AvgDurationMs float64 `bson:"avgDurationMs"`
	}
	if err := totalsCur.All(opCtx, &totals); err != nil {
		return nil, &types.StoreError{Op: "runlog stats", Err: err}
	}
	if len(totals) > 0 {
		stats.Results = totals[0].Results
		stats.AvgDurationMs = totals[0].AvgDurationMs
	}

	adapterCur, err := s.collection.Aggregate(opCtx, mongo.Pipeline{
		match,
		{{Key: "$group", Value: bson.M{
			"_id":           "$adapter",
			"runs":          bson.M{"$sum": 1},
			"found":         bson.M{"$sum": "$results.found"},
			"inserted":      bson.M{"$sum": "$results.inserted"},
			"avgDurationMs": avgDuration,
			"lastRun":       bson.M{"$max": "$startedAt"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	})
	if err != nil {
		return nil, &types.StoreError{Op: "runlog stats", Err: err}
	}
	var adapterRows []struct {
		ID            string     `bson:"_id"`
		Runs          int64      `bson:"runs"`
		Found         int64      `bson:"found"`
		Inserted      int64      `bson:"inserted"`
		AvgDurationMs float64    `bson:"avgDurationMs"`
		LastRun       *time.Time `bson:"lastRun"`
	}
	if err := adapterCur.All(opCtx, &adapterRows); err != nil {
		return nil, &types.StoreError{Op: "runlog stats", Err: err}
	}
	for _, row := range adapterRows {
		stats.ByAdapter = append(stats.ByAdapter, AdapterRunStats{
			Adapter:       row.ID,
			Runs:          row.Runs,
			Found:         row.Found,
			Inserted:      row.Inserted,
			AvgDurationMs: row.AvgDurationMs,
			LastRun:       row.LastRun,
		})
	}
	return stats, nil
}
