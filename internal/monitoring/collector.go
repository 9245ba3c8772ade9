// Package monitoring watches the enrichment queue and raises webhook alerts
// when failure rates, review backlogs or provider budgets cross thresholds.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// MetricsSnapshot holds a point-in-time view of queue health.
type MetricsSnapshot struct {
	// Task metrics (tasks touched within the lookback window).
	TasksTotal    int     `json:"tasks_total"`
	Complete      int     `json:"complete"`
	Failed        int     `json:"failed"`
	Skipped       int     `json:"skipped"`
	NeedsReview   int     `json:"needs_review"`
	Pending       int     `json:"pending"`
	InProgress    int     `json:"in_progress"`
	FailRate      float64 `json:"fail_rate"`
	ResolvedTotal int     `json:"resolved_total"`

	// Provider usage for the current UTC day.
	Usage []ProviderUsage `json:"usage"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// ProviderUsage is one provider's global request count for a day.
type ProviderUsage struct {
	Provider string  `json:"provider"`
	Day      string  `json:"day"`
	Used     int     `json:"used"`
	Limit    int     `json:"limit"`
	Ratio    float64 `json:"ratio"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store  store.Store
	limits map[string]int
	now    func() time.Time
}

// NewCollector creates a metrics collector. limits maps provider names to
// their global daily quota; providers without a positive quota are not
// reported.
func NewCollector(st store.Store, limits map[string]int) *Collector {
	return &Collector{store: st, limits: limits, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Usage:         []ProviderUsage{},
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountTasksUpdatedSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count tasks")
	}

	for status, n := range counts {
		snap.TasksTotal += n
		switch status {
		case model.TaskComplete:
			snap.Complete = n
		case model.TaskFailed:
			snap.Failed = n
		case model.TaskSkipped:
			snap.Skipped = n
		case model.TaskNeedsReview:
			snap.NeedsReview = n
		case model.TaskPending:
			snap.Pending = n
		case model.TaskInProgress:
			snap.InProgress = n
		}
	}
	snap.ResolvedTotal = snap.Complete + snap.Failed + snap.Skipped + snap.NeedsReview
	if snap.ResolvedTotal > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.ResolvedTotal)
	}

	day := now.Format(time.DateOnly)
	names := make([]string, 0, len(c.limits))
	for name, limit := range c.limits {
		if limit > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		used, err := c.store.GlobalUsage(ctx, day, name)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: read %s usage", name)
		}
		limit := c.limits[name]
		snap.Usage = append(snap.Usage, ProviderUsage{
			Provider: name,
			Day:      day,
			Used:     used,
			Limit:    limit,
			Ratio:    float64(used) / float64(limit),
		})
	}

	return snap, nil
}
