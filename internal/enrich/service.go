// Package enrich implements the metadata enrichment engine: candidate
// matching, confidence scoring, selection, field application, daily budgets,
// the no-match cache, the task state machine and the batch processor.
package enrich

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Options configures an Engine.
type Options struct {
	// Sources is the ordered provider list.
	Sources []Source
	Policy  Policy
	Limits  map[string]Limits

	MaxAttempts    int
	StaleAfter     time.Duration
	SkipCooldown   time.Duration
	BudgetCooldown time.Duration
	DefaultLimit   int
	MaxLimit       int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig builds Options from the application config.
func OptionsFromConfig(cfg *config.Config, sources []Source, policy Policy) Options {
	return Options{
		Sources:        sources,
		Policy:         policy,
		Limits:         LimitsFromConfig(cfg.Budget),
		MaxAttempts:    cfg.Enrichment.MaxAttempts,
		StaleAfter:     time.Duration(cfg.Enrichment.StaleAfterMins) * time.Minute,
		SkipCooldown:   time.Duration(cfg.Enrichment.SkipCooldownHours) * time.Hour,
		BudgetCooldown: time.Duration(cfg.Enrichment.BudgetCooldownHours) * time.Hour,
		DefaultLimit:   cfg.Batch.DefaultLimit,
		MaxLimit:       cfg.Batch.MaxLimit,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.SkipCooldown <= 0 {
		o.SkipCooldown = 24 * time.Hour
	}
	if o.BudgetCooldown <= 0 {
		o.BudgetCooldown = 12 * time.Hour
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 25
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Policy.AutoApply == nil {
		o.Policy = DefaultPolicy()
	}
}

// Engine exposes the enrichment operations. All operations are scoped to
// the owning user.
type Engine struct {
	store   store.Store
	sources []Source
	policy  Policy
	ledger  *Ledger
	cache   *NoMatchCache
	matcher *Matcher
	opts    Options
	now     func() time.Time
}

// New creates an Engine. At least one provider source is required.
func New(st store.Store, opts Options) (*Engine, error) {
	if len(opts.Sources) == 0 {
		return nil, eris.Wrap(ErrConfiguration, "no metadata providers enabled")
	}
	opts.applyDefaults()

	ledger := NewLedger(opts.Limits)
	ledger.now = opts.Now
	cache := NewNoMatchCache()
	cache.now = opts.Now

	return &Engine{
		store:   st,
		sources: opts.Sources,
		policy:  opts.Policy,
		ledger:  ledger,
		cache:   cache,
		matcher: NewMatcher(),
		opts:    opts,
		now:     opts.Now,
	}, nil
}

// EnqueueRequest asks for enrichment of specific library items.
type EnqueueRequest struct {
	ItemIDs  []string            `json:"item_ids"`
	Trigger  model.TriggerSource `json:"trigger,omitempty"`
	Priority *int                `json:"priority,omitempty"`
}

// EnqueueResult reports what happened to each requested item.
type EnqueueResult struct {
	// Created lists the ids of new tasks.
	Created []string `json:"created"`
	// Duplicates lists items that already have an equivalent active task.
	Duplicates []string `json:"duplicates"`
	// Complete lists items that miss no tracked field.
	Complete []string `json:"complete"`
	// NotFound lists items that do not exist for the user.
	NotFound []string `json:"not_found"`
}

func newEnqueueResult() EnqueueResult {
	return EnqueueResult{Created: []string{}, Duplicates: []string{}, Complete: []string{}, NotFound: []string{}}
}

// Enqueue creates one pending task per item that misses metadata. Repeated
// requests with the same missing-field set do not create duplicates.
func (e *Engine) Enqueue(ctx context.Context, userID string, req EnqueueRequest) (EnqueueResult, error) {
	res := newEnqueueResult()
	if userID == "" {
		return res, eris.Wrap(ErrValidation, "user id is required")
	}
	if len(req.ItemIDs) == 0 {
		return res, eris.Wrap(ErrValidation, "no item ids")
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = model.TriggerManual
	}
	if !trigger.Valid() {
		return res, eris.Wrapf(ErrValidation, "unknown trigger %q", trigger)
	}
	priority := model.DefaultTaskPriority
	if req.Priority != nil {
		if *req.Priority < 0 {
			return res, eris.Wrap(ErrValidation, "priority must not be negative")
		}
		priority = *req.Priority
	}

	seen := make(map[string]bool, len(req.ItemIDs))
	for _, id := range req.ItemIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		snap, err := e.store.GetItemSnapshot(ctx, userID, id)
		if errors.Is(err, store.ErrNotFound) {
			res.NotFound = append(res.NotFound, id)
			continue
		}
		if err != nil {
			return res, eris.Wrapf(err, "enrich: load item %s", id)
		}
		if err := e.enqueueSnapshot(ctx, userID, snap, trigger, priority, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// EnqueueAllMissing enqueues a backfill task for every item of the user
// that misses metadata.
func (e *Engine) EnqueueAllMissing(ctx context.Context, userID string) (EnqueueResult, error) {
	res := newEnqueueResult()
	if userID == "" {
		return res, eris.Wrap(ErrValidation, "user id is required")
	}
	snaps, err := e.store.ListItemSnapshots(ctx, userID)
	if err != nil {
		return res, eris.Wrap(err, "enrich: list items")
	}
	for i := range snaps {
		if err := e.enqueueSnapshot(ctx, userID, &snaps[i], model.TriggerBackfill, model.DefaultTaskPriority, &res); err != nil {
			return res, err
		}
	}
	zap.L().Info("backfill enqueued",
		zap.String("user_id", userID),
		zap.Int("created", len(res.Created)),
		zap.Int("duplicates", len(res.Duplicates)),
	)
	return res, nil
}

func (e *Engine) enqueueSnapshot(ctx context.Context, userID string, snap *model.ItemSnapshot, trigger model.TriggerSource, priority int, res *EnqueueResult) error {
	missing := MissingFields(snap)
	if len(missing) == 0 {
		res.Complete = append(res.Complete, snap.Item.ID)
		return nil
	}

	now := e.now().UTC()
	t := &model.Task{
		ID:             uuid.New().String(),
		UserID:         userID,
		LibraryItemID:  snap.Item.ID,
		WorkID:         snap.Work.ID,
		Status:         model.TaskPending,
		Confidence:     model.ConfidenceNone,
		TriggerSource:  trigger,
		Priority:       priority,
		MissingFields:  missing,
		MaxAttempts:    e.opts.MaxAttempts,
		IdempotencyKey: IdempotencyKey(userID, snap.Item.ID, missing),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := e.store.InsertTask(ctx, t)
	if err != nil {
		return eris.Wrapf(err, "enrich: insert task for %s", snap.Item.ID)
	}
	if created {
		res.Created = append(res.Created, t.ID)
	} else {
		res.Duplicates = append(res.Duplicates, snap.Item.ID)
	}
	return nil
}

// Approve resolves a task waiting for review. With nil selections the
// candidates are recomputed, honoring budgets but not the no-match cache,
// and the policy's auto-apply set is written. With an explicit list, exactly
// that list is validated and written, without provider calls.
func (e *Engine) Approve(ctx context.Context, userID, taskID string, selections *[]model.FieldSelection) (*model.Task, error) {
	t, err := e.getTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TaskNeedsReview {
		return nil, eris.Wrapf(ErrConflict, "task %s is %s", t.ID, t.Status)
	}

	var explicit []model.FieldSelection
	if selections != nil {
		if explicit, err = validateSelections(*selections); err != nil {
			return nil, err
		}
	}

	var final model.Task
	err = e.store.InTx(ctx, func(tx store.Store) error {
		var res *StepResult
		apply := explicit
		if selections == nil {
			var err error
			if res, err = e.step(ctx, tx, t, stepOptions{ignoreNoMatch: true}); err != nil {
				return err
			}
			if res.Deferred {
				return &ProviderUnavailableError{
					Provider: strings.Join(res.Details.Providers.Throttled, ","),
					Code:     resilience.CodeRateLimited,
					Message:  "daily request budget exhausted",
				}
			}
			apply = res.Selection.Apply
		} else {
			snap, err := tx.GetItemSnapshot(ctx, userID, t.LibraryItemID)
			if err != nil {
				return fromStore(err, "enrich: load item %s", t.LibraryItemID)
			}
			res = &StepResult{snap: snap}
		}

		applied, err := Apply(ctx, tx, res.snap, apply, res.Resolved)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		final = *t
		final.MatchDetails.Merge(res.Details)
		final.MatchDetails.RejectedFields = applied.Rejected
		final.Status = model.TaskComplete
		final.LastError = ""
		final.NextAttemptAfter = nil
		final.UpdatedAt = now
		final.CompletedAt = &now
		for _, f := range applied.Applied {
			if !slices.Contains(final.FieldsApplied, f) {
				final.FieldsApplied = append(final.FieldsApplied, f)
			}
		}
		if err := tx.UpdateTask(ctx, &final); err != nil {
			return fromStore(err, "enrich: update task %s", t.ID)
		}

		details := map[string]any{"explicit": selections != nil, "fields_applied": applied.Applied}
		if len(applied.Rejected) > 0 {
			details["rejected_fields"] = applied.Rejected
		}
		provider := ""
		if len(apply) > 0 {
			provider = apply[0].Provider
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{
			TaskID:     t.ID,
			UserID:     userID,
			Action:     model.AuditApproved,
			Provider:   provider,
			Confidence: final.Confidence,
			Details:    details,
		})
	})
	if err != nil {
		return nil, err
	}
	return &final, nil
}

func validateSelections(in []model.FieldSelection) ([]model.FieldSelection, error) {
	seen := make(map[model.FieldKey]bool, len(in))
	out := make([]model.FieldSelection, 0, len(in))
	for _, sel := range in {
		if !sel.Field.Valid() {
			return nil, eris.Wrapf(ErrValidation, "unknown field %q", sel.Field)
		}
		if seen[sel.Field] {
			return nil, eris.Wrapf(ErrValidation, "field %s selected twice", sel.Field)
		}
		seen[sel.Field] = true
		if _, ok := Normalize(sel.Field, sel.Value); !ok {
			return nil, eris.Wrapf(ErrValidation, "invalid value for %s", sel.Field)
		}
		out = append(out, sel)
	}
	return out, nil
}

// Dismiss moves an active task to skipped.
func (e *Engine) Dismiss(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := e.getTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Active() {
		return nil, eris.Wrapf(ErrConflict, "task %s is %s", t.ID, t.Status)
	}

	now := e.now().UTC()
	next := *t
	next.Status = model.TaskSkipped
	next.MatchDetails.SkipReason = model.ReasonDismissed
	next.NextAttemptAfter = nil
	next.UpdatedAt = now
	next.CompletedAt = &now

	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateTask(ctx, &next); err != nil {
			return fromStore(err, "enrich: update task %s", t.ID)
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{
			TaskID:     t.ID,
			UserID:     userID,
			Action:     model.AuditDismissed,
			Confidence: t.Confidence,
			Details:    map[string]any{"previous_status": string(t.Status)},
		})
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// Retry returns a reviewed, skipped or failed task to pending with a fresh
// attempt budget.
func (e *Engine) Retry(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := e.getTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !canRetry(t.Status) {
		return nil, eris.Wrapf(ErrConflict, "task %s is %s", t.ID, t.Status)
	}
	next := resetForRetry(*t, e.now().UTC())
	if err := e.store.UpdateTask(ctx, &next); err != nil {
		return nil, fromStore(err, "enrich: retry task %s", t.ID)
	}
	return &next, nil
}

// RetryNow resets the task like Retry, clears the work's no-match entries,
// raises it to the front of the queue and processes it immediately.
func (e *Engine) RetryNow(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := e.getTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !canRetry(t.Status) {
		return nil, eris.Wrapf(ErrConflict, "task %s is %s", t.ID, t.Status)
	}

	next := resetForRetry(*t, e.now().UTC())
	next.Priority = 0
	err = e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateTask(ctx, &next); err != nil {
			return fromStore(err, "enrich: retry task %s", t.ID)
		}
		_, err := e.cache.Clear(ctx, tx, userID, t.WorkID)
		return err
	})
	if err != nil {
		return nil, err
	}

	claimed, err := e.store.ClaimTask(ctx, userID, t.ID, e.now().UTC())
	if err != nil {
		return nil, fromStore(err, "enrich: claim task %s", t.ID)
	}
	if claimed == nil {
		return e.getTask(ctx, userID, taskID)
	}
	final, _ := e.process(ctx, claimed)
	return &final, nil
}

// ListRequest selects a page of tasks.
type ListRequest struct {
	Status model.TaskStatus `json:"status,omitempty"`
	Cursor string           `json:"cursor,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

// Page is one page of tasks, newest first.
type Page struct {
	Tasks      []model.Task `json:"tasks"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// ListTasks returns the user's tasks ordered by creation time, newest first.
func (e *Engine) ListTasks(ctx context.Context, userID string, req ListRequest) (Page, error) {
	page := Page{Tasks: []model.Task{}}
	if req.Status != "" && !req.Status.Valid() {
		return page, eris.Wrapf(ErrValidation, "unknown status %q", req.Status)
	}
	limit := clamp(req.Limit, e.opts.DefaultLimit, e.opts.MaxLimit)

	filter := store.TaskFilter{UserID: userID, Status: req.Status, Limit: limit + 1}
	if req.Cursor != "" {
		at, id, err := decodeCursor(req.Cursor)
		if err != nil {
			return page, err
		}
		filter.AfterCreatedAt, filter.AfterID = at, id
	}

	tasks, err := e.store.ListTasks(ctx, filter)
	if err != nil {
		return page, eris.Wrap(err, "enrich: list tasks")
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
		last := tasks[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	page.Tasks = append(page.Tasks, tasks...)
	return page, nil
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(at.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", eris.Wrap(ErrValidation, "malformed cursor")
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", eris.Wrap(ErrValidation, "malformed cursor")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", eris.Wrap(ErrValidation, "malformed cursor")
	}
	return at, id, nil
}

// Summary counts the user's tasks by status. Every status is present.
func (e *Engine) Summary(ctx context.Context, userID string) (map[model.TaskStatus]int, error) {
	counts, err := e.store.CountTasksByStatus(ctx, userID)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: count tasks")
	}
	out := make(map[model.TaskStatus]int, len(model.TaskStatuses))
	for _, s := range model.TaskStatuses {
		out[s] = counts[s]
	}
	return out, nil
}

// TaskAudit returns the audit trail of one task, oldest first.
func (e *Engine) TaskAudit(ctx context.Context, userID, taskID string) ([]model.AuditEntry, error) {
	if _, err := e.getTask(ctx, userID, taskID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListAudit(ctx, userID, taskID)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: list audit")
	}
	return entries, nil
}

// PruneNoMatch deletes expired no-match entries.
func (e *Engine) PruneNoMatch(ctx context.Context) (int, error) {
	return e.cache.Prune(ctx, e.store)
}

// DueUsers lists users that currently have due tasks.
func (e *Engine) DueUsers(ctx context.Context, limit int) ([]string, error) {
	users, err := e.store.ListDueUsers(ctx, e.now().UTC(), limit)
	return users, eris.Wrap(err, "enrich: list due users")
}

func (e *Engine) getTask(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := e.store.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, fromStore(err, "enrich: task %s", taskID)
	}
	return t, nil
}
