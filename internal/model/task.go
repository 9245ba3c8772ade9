package model

import "time"

// TaskStatus represents the lifecycle state of an enrichment task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskInProgress  TaskStatus = "in_progress"
	TaskComplete    TaskStatus = "complete"
	TaskNeedsReview TaskStatus = "needs_review"
	TaskFailed      TaskStatus = "failed"
	TaskSkipped     TaskStatus = "skipped"
)

// TaskStatuses lists every status in display order.
var TaskStatuses = []TaskStatus{
	TaskPending,
	TaskInProgress,
	TaskNeedsReview,
	TaskComplete,
	TaskSkipped,
	TaskFailed,
}

// ActiveStatuses are the states covered by the one-active-task-per-key rule.
var ActiveStatuses = []TaskStatus{TaskPending, TaskInProgress, TaskNeedsReview}

// Active reports whether s counts toward the one-active-task rule.
func (s TaskStatus) Active() bool {
	return s == TaskPending || s == TaskInProgress || s == TaskNeedsReview
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// ConfidenceTier is a coarse trust classification of a candidate set.
type ConfidenceTier string

const (
	ConfidenceNone   ConfidenceTier = "none"
	ConfidenceLow    ConfidenceTier = "low"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceHigh   ConfidenceTier = "high"
)

// TriggerSource records what caused a task to be enqueued.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerImport   TriggerSource = "import"
	TriggerBackfill TriggerSource = "backfill"
	TriggerRetry    TriggerSource = "retry"
)

// Valid reports whether t is a known trigger source.
func (t TriggerSource) Valid() bool {
	switch t {
	case TriggerManual, TriggerImport, TriggerBackfill, TriggerRetry:
		return true
	}
	return false
}

// DefaultTaskPriority is used when the caller does not pick one.
const DefaultTaskPriority = 100

// Task is one unit of enrichment work for a (user, library item) pair.
type Task struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	LibraryItemID      string         `json:"library_item_id"`
	WorkID             string         `json:"work_id"`
	Status             TaskStatus     `json:"status"`
	Confidence         ConfidenceTier `json:"confidence,omitempty"`
	ConfidenceScore    float64        `json:"confidence_score"`
	TriggerSource      TriggerSource  `json:"trigger_source"`
	Priority           int            `json:"priority"`
	MissingFields      []FieldKey     `json:"missing_fields"`
	ProvidersAttempted []string       `json:"providers_attempted"`
	FieldsApplied      []FieldKey     `json:"fields_applied"`
	AttemptCount       int            `json:"attempt_count"`
	MaxAttempts        int            `json:"max_attempts"`
	NextAttemptAfter   *time.Time     `json:"next_attempt_after,omitempty"`
	IdempotencyKey     string         `json:"idempotency_key"`
	MatchDetails       MatchDetails   `json:"match_details"`
	LastError          string         `json:"last_error,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// SkipReason returns the human-readable reason shown for skipped tasks.
func (t *Task) SkipReason() string {
	if t.Status != TaskSkipped {
		return ""
	}
	if t.MatchDetails.SkipReason != "" {
		return t.MatchDetails.SkipReason
	}
	return t.MatchDetails.Providers.Reason()
}

// AuditAction is the kind of resolving action recorded in the audit log.
type AuditAction string

const (
	AuditAutoApplied  AuditAction = "auto_applied"
	AuditQueuedReview AuditAction = "queued_review"
	AuditSkipped      AuditAction = "skipped"
	AuditFailed       AuditAction = "failed"
	AuditDismissed    AuditAction = "dismissed"
	AuditApproved     AuditAction = "approved"
)

// AuditEntry is an immutable record of one resolving action.
type AuditEntry struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	UserID     string         `json:"user_id"`
	Action     AuditAction    `json:"action"`
	Provider   string         `json:"provider,omitempty"`
	Confidence ConfidenceTier `json:"confidence,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NoMatchEntry remembers that a provider had nothing for a work.
type NoMatchEntry struct {
	UserID    string    `json:"user_id"`
	WorkID    string    `json:"work_id"`
	Provider  string    `json:"provider"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderUsage is one row of the daily request ledger.
type ProviderUsage struct {
	UsageDate    string `json:"usage_date"`
	Provider     string `json:"provider"`
	UserID       string `json:"user_id"`
	RequestCount int    `json:"request_count"`
}
