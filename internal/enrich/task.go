package enrich

import (
	"time"
	"unicode/utf8"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/resilience"
)

const (
	backoffBase    = time.Second
	backoffCeiling = 300 * time.Second

	// maxLastError bounds the stored error text.
	maxLastError = 1000
)

// Backoff is the delay before retrying a task after its attempt-th failed
// attempt: min(300s, 2^attempt s).
func Backoff(attempt int) time.Duration {
	return resilience.Exponential(attempt, backoffBase, backoffCeiling)
}

// failureTransition computes the task state after err ended an attempt.
// Permanent errors and exhausted attempts fail the task; anything else
// requeues it with backoff.
func failureTransition(t model.Task, err error, now time.Time) model.Task {
	t.LastError = truncate(err.Error(), maxLastError)
	t.UpdatedAt = now

	if IsPermanent(err) || t.AttemptCount >= t.MaxAttempts {
		t.Status = model.TaskFailed
		t.NextAttemptAfter = nil
		t.CompletedAt = &now
		return t
	}

	next := now.Add(Backoff(t.AttemptCount))
	t.Status = model.TaskPending
	t.NextAttemptAfter = &next
	return t
}

// resetForRetry returns t to pending with a fresh attempt budget.
func resetForRetry(t model.Task, now time.Time) model.Task {
	t.Status = model.TaskPending
	t.TriggerSource = model.TriggerRetry
	t.AttemptCount = 0
	t.NextAttemptAfter = nil
	t.LastError = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.MatchDetails.SkipReason = ""
	t.UpdatedAt = now
	return t
}

func canRetry(s model.TaskStatus) bool {
	return s == model.TaskNeedsReview || s == model.TaskSkipped || s == model.TaskFailed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
