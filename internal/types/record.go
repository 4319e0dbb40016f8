package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Category classifies a content record. The set is closed; anything the
// adapters cannot classify lands in CategoryOther.
type Category string

const (
	CategoryNews          Category = "news"
	CategoryJob           Category = "job"
	CategoryBlog          Category = "blog"
	CategoryArticle       Category = "article"
	CategoryDocumentation Category = "documentation"
	CategoryTutorial      Category = "tutorial"
	CategoryVideo         Category = "video"
	CategoryOther         Category = "other"
)

// Categories lists every valid category value.
func Categories() []Category {
	return []Category{
		CategoryNews, CategoryJob, CategoryBlog, CategoryArticle,
		CategoryDocumentation, CategoryTutorial, CategoryVideo, CategoryOther,
	}
}

// Valid reports whether the category is one of the closed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryNews, CategoryJob, CategoryBlog, CategoryArticle,
		CategoryDocumentation, CategoryTutorial, CategoryVideo, CategoryOther:
		return true
	}
	return false
}

// Status is the moderation state of a content record. Flagged records are
// exempt from TTL and age-based cleanup.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
	StatusFlagged  Status = "flagged"
)

// Statuses lists every valid record status.
func Statuses() []Status {
	return []Status{StatusActive, StatusArchived, StatusDeleted, StatusFlagged}
}

// Valid reports whether the status is one of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted, StatusFlagged:
		return true
	}
	return false
}

// Field limits enforced by normalization and Validate.
const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 5000
)

// Author identifies the person or account a record is attributed to.
type Author struct {
	Name string `bson:"name" json:"name"`
	URL  string `bson:"url,omitempty" json:"url,omitempty"`
}

// JobDetail carries the extra structure of a job posting, parsed from
// feed titles of the shape "role - company - location".
type JobDetail struct {
	Role     string `bson:"role,omitempty" json:"role,omitempty"`
	Company  string `bson:"company,omitempty" json:"company,omitempty"`
	Location string `bson:"location,omitempty" json:"location,omitempty"`
	Remote   bool   `bson:"remote,omitempty" json:"remote,omitempty"`
}

// ContentRecord is a single scraped item. Identity is ContentHash; every
// other field may change between observations of the same item.
type ContentRecord struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	ContentHash string             `bson:"contentHash" json:"contentHash"`
	Category    Category           `bson:"category" json:"category"`
	Title       string             `bson:"title" json:"title"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	Body        string             `bson:"body,omitempty" json:"body,omitempty"`
	URL         string             `bson:"url" json:"url"`
	ImageURL    string             `bson:"imageUrl,omitempty" json:"imageUrl,omitempty"`
	Author      *Author            `bson:"author,omitempty" json:"author,omitempty"`
	PublishedAt *time.Time         `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
	SourceHost  string             `bson:"sourceHost" json:"sourceHost"`
	SourceName  string             `bson:"sourceName" json:"sourceName"`
	Tags        []string           `bson:"tags" json:"tags"`
	KeywordHits []string           `bson:"keywordHits,omitempty" json:"keywordHits,omitempty"`
	Relevance   int                `bson:"relevance" json:"relevance"`
	Job         *JobDetail         `bson:"job,omitempty" json:"job,omitempty"`
	ScrapedBy   string             `bson:"scrapedBy" json:"scrapedBy"`
	ScrapedAt   time.Time          `bson:"scrapedAt" json:"scrapedAt"`
	ExpiresAt   *time.Time         `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Status      Status             `bson:"status" json:"status"`
	Views       int64              `bson:"views" json:"views"`
	Clicks      int64              `bson:"clicks" json:"clicks"`
	LastUpdated time.Time          `bson:"lastUpdated" json:"lastUpdated"`
}

// NewContentRecord creates a record with its hash, scrape timestamps and
// default status filled in.
func NewContentRecord(rawURL, title string, category Category) *ContentRecord {
	now := time.Now().UTC()
	return &ContentRecord{
		ContentHash: ContentHash(rawURL, title),
		Category:    category,
		Title:       strings.TrimSpace(title),
		URL:         strings.TrimSpace(rawURL),
		Status:      StatusActive,
		ScrapedAt:   now,
		LastUpdated: now,
	}
}

// Validate checks the structural invariants of a record.
func (r *ContentRecord) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("record %s: title is required", r.URL)
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("record %s: title exceeds %d chars", r.URL, MaxTitleLen)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("record %s: description exceeds %d chars", r.URL, MaxDescriptionLen)
	}
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("record %q: url is required", r.Title)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("record %s: invalid category %q", r.URL, r.Category)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s: invalid status %q", r.URL, r.Status)
	}
	if r.Relevance < 0 || r.Relevance > 100 {
		return fmt.Errorf("record %s: relevance %d out of range", r.URL, r.Relevance)
	}
	if r.ContentHash != ContentHash(r.URL, r.Title) {
		return fmt.Errorf("record %s: content hash mismatch", r.URL)
	}
	return nil
}

// ContentHash derives the identity hash of a record:
// SHA-256 of canonical(url) + "|" + lowercased-trimmed title. URL
// canonicalization lowercases scheme and host and trims whitespace; path and
// query keep their case, so /A and /a are distinct items.
func ContentHash(rawURL, title string) string {
	sum := sha256.Sum256([]byte(canonicalURL(rawURL) + "|" + strings.ToLower(strings.TrimSpace(title))))
	return hex.EncodeToString(sum[:])
}

func canonicalURL(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.ToLower(s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// NormalizeHost lowercases a hostname and strips a leading "www.".
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(h, "www.")
}

// Truncate clips s to at most max bytes without splitting a rune. Titles
// and descriptions are clipped rather than dropped.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
