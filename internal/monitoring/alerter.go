package monitoring

import (
	"fmt"
	"sort"
	"time"

	"github.com/sells-group/catalog-enricher/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate   AlertType = "enrichment_failure_rate"
	AlertReviewBacklog AlertType = "review_backlog"
	AlertBudgetNearCap AlertType = "provider_budget_near_cap"
)

// Severity ranks alerts; "high" pages, "medium" only notifies.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// minResolvedForAlert is the fewest resolved tasks a failure-rate alert needs.
const minResolvedForAlert = 5

// Alert is one breached threshold. Subject names the provider for budget
// alerts.
type Alert struct {
	Type     AlertType      `json:"type"`
	Subject  string         `json:"subject,omitempty"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

// Key identifies an alert across checks so repeats can be suppressed.
func (a Alert) Key() string {
	if a.Subject == "" {
		return string(a.Type)
	}
	return string(a.Type) + ":" + a.Subject
}

type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) []Alert

var rules = []rule{failureRateRule, reviewBacklogRule, budgetRule}

// Alerter turns snapshots into alerts using the configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
	now func() time.Time
}

func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg, now: time.Now}
}

// Evaluate runs every rule against snap. Alerts come back in rule order,
// budget alerts sorted by provider.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	at := a.now().UTC()
	var out []Alert
	for _, r := range rules {
		for _, al := range r(a.cfg, snap) {
			al.RaisedAt = at
			out = append(out, al)
		}
	}
	return out
}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) []Alert {
	if snap.ResolvedTotal < minResolvedForAlert || snap.FailRate <= cfg.FailureRateThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertFailureRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("%.1f%% of enrichment tasks failed in the last %dh (%d of %d, threshold %.1f%%)",
			snap.FailRate*100, snap.LookbackHours, snap.Failed, snap.ResolvedTotal, cfg.FailureRateThreshold*100),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.Failed,
			"resolved":     snap.ResolvedTotal,
		},
	}}
}

func reviewBacklogRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) []Alert {
	if cfg.ReviewBacklogThreshold <= 0 || snap.NeedsReview <= cfg.ReviewBacklogThreshold {
		return nil
	}
	return []Alert{{
		Type:     AlertReviewBacklog,
		Severity: SeverityMedium,
		Message:  fmt.Sprintf("%d tasks await review (threshold %d)", snap.NeedsReview, cfg.ReviewBacklogThreshold),
		Details: map[string]any{
			"needs_review": snap.NeedsReview,
			"threshold":    cfg.ReviewBacklogThreshold,
		},
	}}
}

func budgetRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) []Alert {
	if cfg.BudgetWarnRatio <= 0 {
		return nil
	}
	usage := append([]ProviderUsage(nil), snap.Usage...)
	sort.Slice(usage, func(i, j int) bool { return usage[i].Provider < usage[j].Provider })

	var out []Alert
	for _, u := range usage {
		if u.Ratio < cfg.BudgetWarnRatio {
			continue
		}
		sev := SeverityMedium
		if u.Used >= u.Limit {
			sev = SeverityHigh
		}
		out = append(out, Alert{
			Type:     AlertBudgetNearCap,
			Severity: sev,
			Subject:  u.Provider,
			Message:  fmt.Sprintf("%s used %d of %d daily requests (%.0f%%)", u.Provider, u.Used, u.Limit, u.Ratio*100),
			Details: map[string]any{
				"provider": u.Provider,
				"day":      u.Day,
				"used":     u.Used,
				"limit":    u.Limit,
			},
		})
	}
	return out
}
