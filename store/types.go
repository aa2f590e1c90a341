package store

import "github.com/chimerasec/chimera/ioc"

// Indicator is one analyzed subject. Identity is the normalized value plus
// the classified type; re-submitting the same value reuses the same row.
type Indicator struct {
	ID        string   `json:"id"`
	Value     string   `json:"value"` // normalized
	Type      ioc.Type `json:"type"`
	CreatedAt int64    `json:"created_at"` // ms
}

// Outcome is the result class of one adapter consultation.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRateLimited Outcome = "rate-limited"
	OutcomeAuthError   Outcome = "auth-error"
	OutcomeUnreachable Outcome = "unreachable"
)

// SourceResult is one provider's answer for one indicator at one point in
// time. Failed consultations are recorded too, with weight 0, so the verdict
// keeps evidence of every source that was asked.
type SourceResult struct {
	ID          string   `json:"id"`
	IndicatorID string   `json:"indicator_id"`
	Source      string   `json:"source"`
	Score       float64  `json:"score"`  // 0-100
	Weight      float64  `json:"weight"` // 0-1, 0 for non-ok outcomes
	Outcome     Outcome  `json:"outcome"`
	Detail      string   `json:"detail"`   // human-readable finding
	Tags        []string `json:"tags,omitempty"`
	RawJSON     string   `json:"raw_json,omitempty"`
	FetchedAt   int64    `json:"fetched_at"` // ms
}

// Label is the aggregated classification of one analysis run.
type Label string

const (
	LabelMalicious  Label = "MALICIOUS"
	LabelSuspicious Label = "SUSPICIOUS"
	LabelBenign     Label = "BENIGN"
	LabelUnknown    Label = "UNKNOWN"
)

// Verdict is the aggregation engine's output for one run. Verdicts are
// append-only; a new run produces a new row, never a mutation.
type Verdict struct {
	ID          string   `json:"id"`
	IndicatorID string   `json:"indicator_id"`
	Label       Label    `json:"label"`
	Confidence  float64  `json:"confidence_score"` // 0-100
	Threat      float64  `json:"threat_score"`     // 0-100
	Evidence    []string `json:"evidence"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   int64    `json:"created_at"` // ms
}

// FeedStatus is the lifecycle state of a configured feed.
type FeedStatus string

const (
	FeedActive   FeedStatus = "active"
	FeedInactive FeedStatus = "inactive"
	FeedError    FeedStatus = "error"
)

// FeedFormat is the declared payload format of a feed.
type FeedFormat string

const (
	FormatJSON FeedFormat = "JSON"
	FormatCSV  FeedFormat = "CSV"
	FormatXML  FeedFormat = "XML"
	FormatSTIX FeedFormat = "STIX"
)

// Feed is a configured external threat feed. The scheduler owns status,
// counters and timestamps; operators only toggle active/inactive and reset
// the error counter. Feeds are soft-disabled, never deleted, while ingested
// indicators reference them.
type Feed struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	Format      FeedFormat `json:"format"`
	Interval    int64      `json:"update_interval"` // ms
	AuthToken   string     `json:"-"`
	Status      FeedStatus `json:"status"`
	LastUpdate  *int64     `json:"last_update,omitempty"` // ms, success only
	RecordCount int64      `json:"record_count"`
	ErrorCount  int64      `json:"error_count"`
	FailStreak  int        `json:"fail_streak"` // consecutive failures
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// FeedIndicator is one indicator ingested from a feed.
type FeedIndicator struct {
	ID          string   `json:"id"`
	FeedID      string   `json:"feed_id"`
	Value       string   `json:"value"`
	Type        ioc.Type `json:"type"`
	Confidence  int      `json:"confidence"`
	ThreatLevel string   `json:"threat_level"` // low|medium|high
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	FirstSeen   int64    `json:"first_seen"` // ms
	LastSeen    int64    `json:"last_seen"`  // ms
}

// JobState is the lifecycle state of a sandbox job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// jobTransitions is the validated transition table. Anything not listed is
// illegal and rejected by the orchestrator.
var jobTransitions = map[JobState][]JobState{
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether from → to is a legal job transition.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one file submitted for sandbox analysis. The raw bytes live in an
// external blob store; the job carries only the content address.
type Job struct {
	ID          string   `json:"id"`
	FileSHA256  string   `json:"file_sha256"`
	Filename    string   `json:"filename"`
	Environment string   `json:"environment"`
	State       JobState `json:"state"`
	Progress    int      `json:"progress"` // 0-100, monotonic while running
	Reason      string   `json:"reason,omitempty"`
	VerdictID   string   `json:"verdict_id,omitempty"`
	SubmittedAt int64    `json:"submitted_at"` // ms
	StartedAt   *int64   `json:"started_at,omitempty"`
	CompletedAt *int64   `json:"completed_at,omitempty"`
}

// FeedStats holds aggregate counters across the feed subsystem.
type FeedStats struct {
	TotalFeeds       int            `json:"total_feeds"`
	ActiveFeeds      int            `json:"active_feeds"`
	TotalIndicators  int            `json:"total_indicators"`
	IndicatorsByType map[string]int `json:"indicators_by_type"`
	LastUpdate       *int64         `json:"last_update,omitempty"`
}

// JobStats holds aggregate counters across sandbox jobs.
type JobStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
