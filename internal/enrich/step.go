package enrich

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// StepResult is the outcome of evaluating one claimed task. It is computed
// inside the task's transaction and persisted by the orchestrator.
type StepResult struct {
	Status     model.TaskStatus
	Tier       model.ConfidenceTier
	Score      float64
	Selection  Selection
	Details    model.MatchDetails
	Attempted  []string
	Resolved   map[string]string
	Applied    ApplyResult
	Action     model.AuditAction
	Cooldown   time.Duration
	NoMatch    []string
	NoMatchTTL time.Duration

	// Deferred marks a budget deferral: the claimed attempt is refunded and
	// no audit entry is written.
	Deferred bool

	snap *model.ItemSnapshot
}

type stepOptions struct {
	ignoreNoMatch bool
}

// step evaluates t through st, the task's transaction: it reads the
// catalog, gates providers on the no-match cache and budgets, runs matching
// and decides the target state. Its only writes are budget reservations,
// which roll back with st when the attempt fails.
func (e *Engine) step(ctx context.Context, st store.Store, t *model.Task, opts stepOptions) (*StepResult, error) {
	snap, err := st.GetItemSnapshot(ctx, t.UserID, t.LibraryItemID)
	if err != nil {
		return nil, fromStore(err, "enrich: load item %s", t.LibraryItemID)
	}
	res := &StepResult{snap: snap}

	missing := stillMissing(t.MissingFields, snap)
	if len(missing) == 0 {
		res.Status = model.TaskComplete
		res.Action = model.AuditSkipped
		return res, nil
	}

	var gate model.ProviderReport
	var usable []Source
	for _, src := range e.sources {
		name := src.Provider.Name()
		if !opts.ignoreNoMatch {
			active, err := e.cache.IsActive(ctx, st, t.UserID, snap.Work.ID, name)
			if err != nil {
				return nil, err
			}
			if active {
				gate.Cached = append(gate.Cached, name)
				continue
			}
		}
		ok, err := e.ledger.Reserve(ctx, st, name, t.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			gate.Throttled = append(gate.Throttled, name)
			continue
		}
		usable = append(usable, src)
	}

	if len(usable) == 0 {
		res.Details.Providers = &gate
		if len(gate.Throttled) > 0 {
			res.Status = model.TaskPending
			res.Cooldown = e.opts.BudgetCooldown
			res.Deferred = true
			return res, nil
		}
		res.Status = model.TaskSkipped
		res.Cooldown = e.opts.SkipCooldown
		res.Action = model.AuditSkipped
		res.Details.SkipReason = model.ReasonNoMatch
		return res, nil
	}

	mapped := make(map[string]string, len(usable))
	for _, src := range usable {
		name := src.Provider.Name()
		id, err := st.GetExternalID(ctx, model.EntityWork, snap.Work.ID, name)
		if err != nil {
			return nil, eris.Wrapf(err, "enrich: load %s mapping", name)
		}
		if id != "" {
			mapped[name] = id
		}
	}

	m := e.matcher.Match(ctx, usable, Query{
		Title:     snap.Work.Title,
		Author:    snap.FirstAuthor(),
		ISBNs:     snap.ISBNs,
		MappedIDs: mapped,
		Fields:    missing,
		Current:   currentValues(snap, missing),
	})
	report := m.Report
	report.Cached = gate.Cached
	report.Throttled = gate.Throttled

	res.Attempted = report.Attempted
	res.Resolved = m.Resolved
	res.Details = model.MatchDetails{
		Providers: &report,
		WorkTitle: snap.Work.Title,
		Fields:    m.Fields,
	}

	if len(m.Fields) == 0 {
		if len(report.Failed) == len(usable) {
			return nil, &TransientTaskError{Failures: report.Failed}
		}
		res.Status = model.TaskSkipped
		res.Cooldown = e.opts.SkipCooldown
		res.Action = model.AuditSkipped
		res.Details.SkipReason = report.Reason()
		res.NoMatch = append(slices.Clone(report.NotFound), report.Succeeded...)
		res.NoMatchTTL = TTLFor(snap.Edition)
		return res, nil
	}

	res.Tier, res.Score = Score(m.Fields)
	res.Selection = BuildSelection(m.Fields, res.Tier, e.policy)

	score := res.Score
	res.Details.ConfidenceScore = &score
	res.Details.ReviewFields = res.Selection.Review
	res.Details.SuggestedValues = make(map[model.FieldKey]string, len(m.Fields))
	res.Details.SuggestedProviders = make(map[model.FieldKey]string, len(m.Fields))
	for _, f := range m.Fields {
		res.Details.SuggestedValues[f.Field] = f.Candidates[0].DisplayValue
		res.Details.SuggestedProviders[f.Field] = f.Candidates[0].Provider
	}

	if res.Selection.NeedsReview(res.Tier) {
		res.Status = model.TaskNeedsReview
		res.Action = model.AuditQueuedReview
	} else {
		res.Status = model.TaskComplete
		res.Action = model.AuditAutoApplied
	}
	return res, nil
}

// persist writes the catalog side effects of res, then the task and its
// audit entry, all through tx.
func (e *Engine) persist(ctx context.Context, tx store.Store, t *model.Task, res *StepResult) (model.Task, error) {
	if len(res.Selection.Apply) > 0 || (res.Status != model.TaskSkipped && len(res.Resolved) > 0) {
		applied, err := Apply(ctx, tx, res.snap, res.Selection.Apply, res.Resolved)
		if err != nil {
			return *t, err
		}
		res.Applied = applied
		if len(applied.Rejected) > 0 {
			res.Details.RejectedFields = applied.Rejected
			for f := range applied.Rejected {
				if !slices.Contains(res.Details.ReviewFields, f) {
					res.Details.ReviewFields = append(res.Details.ReviewFields, f)
				}
			}
			if res.Status == model.TaskComplete {
				res.Status = model.TaskNeedsReview
				res.Action = model.AuditQueuedReview
			}
		}
	}

	for _, name := range res.NoMatch {
		if err := e.cache.Set(ctx, tx, t.UserID, res.snap.Work.ID, name, res.NoMatchTTL, res.Details.SkipReason); err != nil {
			return *t, err
		}
	}

	next := res.transition(*t, e.now().UTC())
	if err := tx.UpdateTask(ctx, &next); err != nil {
		return *t, fromStore(err, "enrich: update task %s", t.ID)
	}
	if res.Action != "" {
		entry := res.auditEntry(next)
		if err := tx.AppendAudit(ctx, &entry); err != nil {
			return *t, eris.Wrap(err, "enrich: append audit")
		}
	}
	return next, nil
}

// transition returns t moved to the state res decided.
func (r *StepResult) transition(t model.Task, now time.Time) model.Task {
	t.Status = r.Status
	t.UpdatedAt = now
	t.LastError = ""
	t.MatchDetails.Merge(r.Details)
	if r.Tier != "" {
		t.Confidence = r.Tier
		t.ConfidenceScore = r.Score
	}
	if len(r.Attempted) > 0 {
		t.ProvidersAttempted = r.Attempted
	}
	for _, f := range r.Applied.Applied {
		if !slices.Contains(t.FieldsApplied, f) {
			t.FieldsApplied = append(t.FieldsApplied, f)
		}
	}
	if r.Deferred && t.AttemptCount > 0 {
		t.AttemptCount--
	}

	t.NextAttemptAfter = nil
	if r.Cooldown > 0 {
		next := now.Add(r.Cooldown)
		t.NextAttemptAfter = &next
	}
	t.CompletedAt = nil
	if r.Status == model.TaskComplete || r.Status == model.TaskSkipped {
		t.CompletedAt = &now
	}
	return t
}

func (r *StepResult) auditEntry(t model.Task) model.AuditEntry {
	details := map[string]any{"status": string(t.Status)}
	if len(r.Applied.Applied) > 0 {
		details["fields_applied"] = r.Applied.Applied
	}
	if len(r.Details.ReviewFields) > 0 {
		details["review_fields"] = r.Details.ReviewFields
	}
	if len(r.Applied.Rejected) > 0 {
		details["rejected_fields"] = r.Applied.Rejected
	}
	if r.Details.Providers != nil {
		details["providers"] = r.Details.Providers
	}
	if r.Details.SkipReason != "" {
		details["reason"] = r.Details.SkipReason
	}
	if r.Action == model.AuditSkipped && r.Status == model.TaskComplete {
		details["reason"] = "no fields missing"
	}
	return model.AuditEntry{
		TaskID:     t.ID,
		UserID:     t.UserID,
		Action:     r.Action,
		Provider:   r.primaryProvider(),
		Confidence: r.Tier,
		Details:    details,
	}
}

func (r *StepResult) primaryProvider() string {
	if len(r.Selection.Apply) > 0 {
		return r.Selection.Apply[0].Provider
	}
	if r.Details.Providers != nil && len(r.Details.Providers.Succeeded) > 0 {
		return r.Details.Providers.Succeeded[0]
	}
	return ""
}
