package types

import (
	"time"
)

// RunStatus is the lifecycle state of one scraping session.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunPartial   RunStatus = "partial"
)

// Valid reports whether the status is a known run state.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunCancelled, RunPartial:
		return true
	}
	return false
}

// Terminal reports whether the status ends a session. Terminal sessions are
// immutable; the first terminal transition wins.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunPartial:
		return true
	}
	return false
}

// Trigger records why a run started.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerAPI       Trigger = "api"
	TriggerSystem    Trigger = "system"
)

// Valid reports whether the trigger is a known source.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerAPI, TriggerSystem:
		return true
	}
	return false
}

// Results accumulates the item-level outcome counters of a run.
type Results struct {
	Found         int `bson:"found" json:"found"`
	Inserted      int `bson:"inserted" json:"inserted"`
	Updated       int `bson:"updated" json:"updated"`
	Duplicates    int `bson:"duplicates" json:"duplicates"`
	Failed        int `bson:"failed" json:"failed"`
	URLsProcessed int `bson:"urlsProcessed" json:"urlsProcessed"`
	URLsFailed    int `bson:"urlsFailed" json:"urlsFailed"`
}

// Add merges another delta into r.
func (r *Results) Add(d Results) {
	r.Found += d.Found
	r.Inserted += d.Inserted
	r.Updated += d.Updated
	r.Duplicates += d.Duplicates
	r.Failed += d.Failed
	r.URLsProcessed += d.URLsProcessed
	r.URLsFailed += d.URLsFailed
}

// Performance captures per-run resource and latency aggregates.
type Performance struct {
	AvgTimePerItemMs  float64 `bson:"avgTimePerItemMs" json:"avgTimePerItemMs"`
	TotalRequests     int64   `bson:"totalRequests" json:"totalRequests"`
	FailedRequests    int64   `bson:"failedRequests" json:"failedRequests"`
	AvgResponseTimeMs float64 `bson:"avgResponseTimeMs" json:"avgResponseTimeMs"`
	DataTransferred   int64   `bson:"dataTransferred" json:"dataTransferred"`
	MemoryBytes       uint64  `bson:"memoryBytes" json:"memoryBytes"`
}

// RunError is one entry in a run's append-only error list.
type RunError struct {
	Timestamp  time.Time `bson:"timestamp" json:"timestamp"`
	Kind       string    `bson:"kind" json:"kind"`
	Message    string    `bson:"message" json:"message"`
	URL        string    `bson:"url,omitempty" json:"url,omitempty"`
	Stack      string    `bson:"stack,omitempty" json:"stack,omitempty"`
	RetryCount int       `bson:"retryCount" json:"retryCount"`
}

// RunWarning is one entry in a run's append-only warning list.
type RunWarning struct {
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Message   string    `bson:"message" json:"message"`
	URL       string    `bson:"url,omitempty" json:"url,omitempty"`
}

// RunConfig is the configuration snapshot stamped onto a run log when the
// session opens.
type RunConfig struct {
	MaxItems   int      `bson:"maxItems" json:"maxItems"`
	DelayMinMs int      `bson:"delayMinMs" json:"delayMinMs"`
	DelayMaxMs int      `bson:"delayMaxMs" json:"delayMaxMs"`
	TimeoutMs  int      `bson:"timeoutMs" json:"timeoutMs"`
	MaxRetries int      `bson:"maxRetries" json:"maxRetries"`
	UserAgent  string   `bson:"userAgent,omitempty" json:"userAgent,omitempty"`
	Keywords   []string `bson:"keywords" json:"keywords"`
	UseBrowser bool     `bson:"useBrowser" json:"useBrowser"`
}

// RateLimitSummary reports how much the limiter held a run back.
type RateLimitSummary struct {
	WasThrottled  bool  `bson:"wasThrottled" json:"wasThrottled"`
	ThrottleCount int64 `bson:"throttleCount" json:"throttleCount"`
	TotalDelayMs  int64 `bson:"totalDelayMs" json:"totalDelayMs"`
}

// RobotsSummary reports robots.txt activity during a run.
type RobotsSummary struct {
	Checked           int64 `bson:"checked" json:"checked"`
	Blocked           int64 `bson:"blocked" json:"blocked"`
	CrawlDelayApplied int64 `bson:"crawlDelayApplied" json:"crawlDelayApplied"`
}

// RunLog is the durable record of one scraping session. Mutated only by its
// owning run while running; immutable after the first terminal transition
// except for TTL expiry.
type RunLog struct {
	SessionID   string           `bson:"_id" json:"sessionId"`
	GroupID     string           `bson:"groupId,omitempty" json:"groupId,omitempty"`
	Adapter     string           `bson:"adapter" json:"adapter"`
	Source      string           `bson:"source" json:"source"`
	SourceURL   string           `bson:"sourceUrl,omitempty" json:"sourceUrl,omitempty"`
	Status      RunStatus        `bson:"status" json:"status"`
	StartedAt   time.Time        `bson:"startedAt" json:"startedAt"`
	EndedAt     *time.Time       `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
	DurationMs  int64            `bson:"durationMs" json:"durationMs"`
	Results     Results          `bson:"results" json:"results"`
	Performance Performance      `bson:"performance" json:"performance"`
	Errors      []RunError       `bson:"errors" json:"errors"`
	Warnings    []RunWarning     `bson:"warnings" json:"warnings"`
	Config      RunConfig        `bson:"config" json:"config"`
	TriggeredBy Trigger          `bson:"triggeredBy" json:"triggeredBy"`
	Caller      string           `bson:"caller,omitempty" json:"caller,omitempty"`
	RateLimit   RateLimitSummary `bson:"rateLimit" json:"rateLimit"`
	Robots      RobotsSummary    `bson:"robots" json:"robots"`
}
