package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist or is not
// visible to the requesting user.
var ErrNotFound = eris.New("store: not found")

// ErrConflict is returned when a write would violate the one-active-task
// rule.
var ErrConflict = eris.New("store: conflict")

// StaleTaskError is recorded as last_error on tasks reset by stale reclaim.
const StaleTaskError = "stale task reclaimed"

// maxSnapshotISBNs caps the ISBNs collected across a work's editions.
const maxSnapshotISBNs = 8

// TaskFilter specifies criteria for listing tasks. Results are ordered by
// created_at DESC, id DESC; the After fields are an exclusive keyset cursor.
type TaskFilter struct {
	UserID         string           `json:"user_id"`
	Status         model.TaskStatus `json:"status,omitempty"`
	AfterCreatedAt time.Time        `json:"after_created_at,omitempty"`
	AfterID        string           `json:"after_id,omitempty"`
	Limit          int              `json:"limit,omitempty"`
}

// ReclaimedTask identifies a task reset by stale reclaim.
type ReclaimedTask struct {
	ID     string           `json:"id"`
	UserID string           `json:"user_id"`
	Status model.TaskStatus `json:"status"`
}

// Store defines the persistence interface for the enrichment engine.
type Store interface {
	// Catalog
	CreateWork(ctx context.Context, w *model.Work, authors []string) error
	CreateEdition(ctx context.Context, e *model.Edition) error
	CreateLibraryItem(ctx context.Context, item *model.LibraryItem) error
	GetItemSnapshot(ctx context.Context, userID, itemID string) (*model.ItemSnapshot, error)
	ListItemSnapshots(ctx context.Context, userID string) ([]model.ItemSnapshot, error)
	UpdateWork(ctx context.Context, w *model.Work) error
	UpdateEdition(ctx context.Context, e *model.Edition) error
	SetPreferredEdition(ctx context.Context, itemID, editionID string) error
	GetExternalID(ctx context.Context, entityType, entityID, provider string) (string, error)
	AddExternalID(ctx context.Context, ext model.ExternalID) error

	// Tasks
	InsertTask(ctx context.Context, t *model.Task) (bool, error)
	GetTask(ctx context.Context, userID, taskID string) (*model.Task, error)
	UpdateTask(ctx context.Context, t *model.Task) error
	ListDueTasks(ctx context.Context, userID string, now time.Time, limit int) ([]model.Task, error)
	ClaimTask(ctx context.Context, userID, taskID string, now time.Time) (*model.Task, error)
	ReclaimStaleTasks(ctx context.Context, cutoff, now time.Time) ([]ReclaimedTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	CountTasksByStatus(ctx context.Context, userID string) (map[model.TaskStatus]int, error)
	CountTasksUpdatedSince(ctx context.Context, since time.Time) (map[model.TaskStatus]int, error)
	ListDueUsers(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, userID, taskID string) ([]model.AuditEntry, error)

	// No-match cache
	IsNoMatchActive(ctx context.Context, userID, workID, provider string, now time.Time) (bool, error)
	UpsertNoMatch(ctx context.Context, e model.NoMatchEntry) error
	ClearNoMatch(ctx context.Context, userID, workID string) (int, error)
	DeleteExpiredNoMatch(ctx context.Context, now time.Time) (int, error)

	// Daily provider usage
	GlobalUsage(ctx context.Context, usageDate, provider string) (int, error)
	IncrementUsage(ctx context.Context, usageDate, provider, userID string, perUserLimit int) (bool, error)

	// InTx runs fn against a transactional view of the store. Nested calls
	// reuse the outer transaction.
	InTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
