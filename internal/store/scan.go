package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, user_id, library_item_id, work_id, status, confidence, confidence_score,
	trigger_source, priority, missing_fields, providers_attempted, fields_applied,
	attempt_count, max_attempts, next_attempt_after, idempotency_key, match_details,
	last_error, created_at, updated_at, started_at, completed_at`

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                               model.Task
		status, confidence, trigger     string
		missing, attempted, applied     []byte
		details                         []byte
		nextAttempt, started, completed *time.Time
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.LibraryItemID, &t.WorkID, &status, &confidence, &t.ConfidenceScore,
		&trigger, &t.Priority, &missing, &attempted, &applied,
		&t.AttemptCount, &t.MaxAttempts, &nextAttempt, &t.IdempotencyKey, &details,
		&t.LastError, &t.CreatedAt, &t.UpdatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	t.Status = model.TaskStatus(status)
	t.Confidence = model.ConfidenceTier(confidence)
	t.TriggerSource = model.TriggerSource(trigger)
	t.NextAttemptAfter = utcPtr(nextAttempt)
	t.StartedAt = utcPtr(started)
	t.CompletedAt = utcPtr(completed)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	if err := decodeJSON(missing, &t.MissingFields); err != nil {
		return nil, eris.Wrap(err, "store: decode missing_fields")
	}
	if err := decodeJSON(attempted, &t.ProvidersAttempted); err != nil {
		return nil, eris.Wrap(err, "store: decode providers_attempted")
	}
	if err := decodeJSON(applied, &t.FieldsApplied); err != nil {
		return nil, eris.Wrap(err, "store: decode fields_applied")
	}
	if t.MatchDetails, err = model.DecodeMatchDetails(details); err != nil {
		return nil, err
	}
	return &t, nil
}

// taskJSON holds the JSON-encoded columns of a task.
type taskJSON struct {
	missing, attempted, applied, details []byte
}

func encodeTask(t *model.Task) (taskJSON, error) {
	var out taskJSON
	var err error
	if out.missing, err = encodeList(t.MissingFields); err != nil {
		return out, eris.Wrap(err, "store: encode missing_fields")
	}
	if out.attempted, err = encodeList(t.ProvidersAttempted); err != nil {
		return out, eris.Wrap(err, "store: encode providers_attempted")
	}
	if out.applied, err = encodeList(t.FieldsApplied); err != nil {
		return out, eris.Wrap(err, "store: encode fields_applied")
	}
	if out.details, err = json.Marshal(t.MatchDetails); err != nil {
		return out, eris.Wrap(err, "store: encode match_details")
	}
	return out, nil
}

// encodeList marshals a slice, writing nil as [] to satisfy NOT NULL columns.
func encodeList[T any](v []T) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanAudit(row rowScanner) (*model.AuditEntry, error) {
	var (
		e                  model.AuditEntry
		action, confidence string
		details            []byte
	)
	if err := row.Scan(&e.ID, &e.TaskID, &e.UserID, &action, &e.Provider, &confidence, &details, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Action = model.AuditAction(action)
	e.Confidence = model.ConfidenceTier(confidence)
	e.CreatedAt = e.CreatedAt.UTC()
	if err := decodeJSON(details, &e.Details); err != nil {
		return nil, eris.Wrap(err, "store: decode audit details")
	}
	return &e, nil
}

// assembleSnapshot picks the target edition and collects ISBNs. editions must
// be ordered most recent first.
func assembleSnapshot(snap *model.ItemSnapshot, editions []model.Edition) {
	snap.Edition = nil
	snap.ISBNs = nil
	for i := range editions {
		if editions[i].ID == snap.Item.PreferredEditionID {
			e := editions[i]
			snap.Edition = &e
			break
		}
	}
	if snap.Edition == nil && len(editions) > 0 {
		e := editions[0]
		snap.Edition = &e
	}

	seen := make(map[string]bool)
	for _, e := range editions {
		for _, isbn := range []string{e.ISBN13, e.ISBN10} {
			if isbn == "" || seen[isbn] || len(snap.ISBNs) >= maxSnapshotISBNs {
				continue
			}
			seen[isbn] = true
			snap.ISBNs = append(snap.ISBNs, isbn)
		}
	}
}
