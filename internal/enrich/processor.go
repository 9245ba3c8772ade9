package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Outcome counts what one ProcessDue call did.
type Outcome struct {
	Claimed     int `json:"claimed"`
	Complete    int `json:"complete"`
	NeedsReview int `json:"needs_review"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Requeued    int `json:"requeued"`
	Deferred    int `json:"deferred"`
	Reclaimed   int `json:"reclaimed"`
}

func (o *Outcome) record(t model.Task, deferred bool) {
	switch t.Status {
	case model.TaskComplete:
		o.Complete++
	case model.TaskNeedsReview:
		o.NeedsReview++
	case model.TaskSkipped:
		o.Skipped++
	case model.TaskFailed:
		o.Failed++
	case model.TaskPending:
		if deferred {
			o.Deferred++
		} else {
			o.Requeued++
		}
	}
}

// ProcessDue reclaims stale tasks, then claims and processes up to limit of
// the user's due tasks one at a time. A failing task never stops the batch.
func (e *Engine) ProcessDue(ctx context.Context, userID string, limit int) (Outcome, error) {
	var out Outcome
	if userID == "" {
		return out, ErrValidation
	}
	limit = clamp(limit, e.opts.DefaultLimit, e.opts.MaxLimit)

	reclaimed, err := e.reclaimStale(ctx)
	if err != nil {
		return out, err
	}
	out.Reclaimed = reclaimed

	due, err := e.store.ListDueTasks(ctx, userID, e.now().UTC(), limit)
	if err != nil {
		return out, fromStore(err, "enrich: list due tasks")
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		claimed, err := e.store.ClaimTask(ctx, userID, due[i].ID, e.now().UTC())
		if err != nil {
			zap.L().Error("claim task", zap.String("task_id", due[i].ID), zap.Error(err))
			continue
		}
		if claimed == nil {
			continue
		}
		out.Claimed++
		final, deferred := e.process(ctx, claimed)
		out.record(final, deferred)
	}

	zap.L().Info("processed due tasks",
		zap.String("user_id", userID),
		zap.Int("claimed", out.Claimed),
		zap.Int("complete", out.Complete),
		zap.Int("needs_review", out.NeedsReview),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", out.Failed),
		zap.Int("requeued", out.Requeued),
		zap.Int("deferred", out.Deferred),
		zap.Int("reclaimed", out.Reclaimed),
	)
	return out, nil
}

// process runs one claimed task to its next state in a single transaction.
// Step errors roll back the task's writes, budget reservations included,
// and go through failureTransition.
func (e *Engine) process(ctx context.Context, t *model.Task) (model.Task, bool) {
	log := zap.L().With(
		zap.String("task_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.Int("attempt", t.AttemptCount),
	)

	var (
		final model.Task
		res   *StepResult
	)
	err := e.store.InTx(ctx, func(tx store.Store) error {
		var err error
		if res, err = e.step(ctx, tx, t, stepOptions{}); err != nil {
			return err
		}
		final, err = e.persist(ctx, tx, t, res)
		return err
	})
	if err == nil {
		log.Info("task processed",
			zap.String("status", string(final.Status)),
			zap.String("confidence", string(final.Confidence)),
			zap.Any("fields_applied", res.Applied.Applied),
		)
		return final, res.Deferred
	}

	final = failureTransition(*t, err, e.now().UTC())
	log.Warn("task attempt failed", zap.String("status", string(final.Status)), zap.Error(err))

	if perr := e.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateTask(ctx, &final); err != nil {
			return err
		}
		if final.Status != model.TaskFailed {
			return nil
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{
			TaskID:  final.ID,
			UserID:  final.UserID,
			Action:  model.AuditFailed,
			Details: map[string]any{"error": final.LastError, "attempts": final.AttemptCount},
		})
	}); perr != nil {
		log.Error("record task failure", zap.Error(perr))
	}
	return final, false
}

// reclaimStale resets in_progress tasks whose worker went quiet. Tasks
// already at their attempt limit fail instead and get an audit entry.
func (e *Engine) reclaimStale(ctx context.Context) (int, error) {
	now := e.now().UTC()
	reclaimed, err := e.store.ReclaimStaleTasks(ctx, now.Add(-e.opts.StaleAfter), now)
	if err != nil {
		return 0, fromStore(err, "enrich: reclaim stale tasks")
	}
	for _, r := range reclaimed {
		zap.L().Warn("reclaimed stale task",
			zap.String("task_id", r.ID),
			zap.String("user_id", r.UserID),
			zap.String("status", string(r.Status)),
		)
		if r.Status != model.TaskFailed {
			continue
		}
		if err := e.store.AppendAudit(ctx, &model.AuditEntry{
			TaskID:  r.ID,
			UserID:  r.UserID,
			Action:  model.AuditFailed,
			Details: map[string]any{"error": store.StaleTaskError},
		}); err != nil {
			return len(reclaimed), fromStore(err, "enrich: audit reclaimed task %s", r.ID)
		}
	}
	return len(reclaimed), nil
}

func clamp(n, def, ceiling int) int {
	if n <= 0 {
		n = def
	}
	if n > ceiling {
		n = ceiling
	}
	return max(n, 1)
}
