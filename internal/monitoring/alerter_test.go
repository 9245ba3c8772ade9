package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold:   0.10,
		ReviewBacklogThreshold: 50,
		BudgetWarnRatio:        0.9,
	})

	snap := &MetricsSnapshot{
		Complete:      95,
		Failed:        5,
		ResolvedTotal: 100,
		FailRate:      0.05,
		NeedsReview:   10,
		Usage:         []ProviderUsage{{Provider: "openlibrary", Used: 100, Limit: 5000, Ratio: 0.02}},
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		Complete:      12,
		Failed:        8,
		ResolvedTotal: 20,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Equal(t, string(AlertFailureRate), alerts[0].Key())
	assert.False(t, alerts[0].RaisedAt.IsZero())
}

func TestAlerter_Evaluate_FailureRateNeedsVolume(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{Failed: 2, ResolvedTotal: 2, FailRate: 1.0}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ReviewBacklog(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1, ReviewBacklogThreshold: 50})

	alerts := a.Evaluate(&MetricsSnapshot{NeedsReview: 51})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "51 tasks await review")

	a = NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1})
	assert.Empty(t, a.Evaluate(&MetricsSnapshot{NeedsReview: 1000}), "zero threshold disables the check")
}

func TestAlerter_Evaluate_BudgetNearCap(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 1, BudgetWarnRatio: 0.9})

	snap := &MetricsSnapshot{Usage: []ProviderUsage{
		{Provider: "googlebooks", Day: "2026-03-14", Used: 95, Limit: 100, Ratio: 0.95},
		{Provider: "openlibrary", Day: "2026-03-14", Used: 5000, Limit: 5000, Ratio: 1},
		{Provider: "other", Day: "2026-03-14", Used: 1, Limit: 100, Ratio: 0.01},
	}}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertBudgetNearCap, alerts[0].Type)
	assert.Equal(t, SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "googlebooks", alerts[0].Details["provider"])
	assert.Equal(t, SeverityHigh, alerts[1].Severity, "exhausted budget")
	assert.Equal(t, "provider_budget_near_cap:openlibrary", alerts[1].Key())
}

func TestNotifier_PostsDigest(t *testing.T) {
	var received atomic.Int32
	var got digest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	err := n.Notify(context.Background(), []Alert{
		{Type: AlertFailureRate, Severity: SeverityHigh, Message: "a"},
		{Type: AlertReviewBacklog, Severity: SeverityMedium, Message: "b"},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), received.Load(), "one request per digest")
	assert.Equal(t, "catalog-enricher", got.Service)
	assert.Equal(t, 2, got.Count)
	require.Len(t, got.Alerts, 2)
	assert.Equal(t, AlertReviewBacklog, got.Alerts[1].Type)
}

func TestNotifier_Disabled(t *testing.T) {
	n := NewNotifier("")
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), []Alert{{Type: AlertFailureRate}}))
}

func TestNotifier_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL).Notify(context.Background(), []Alert{{Type: AlertFailureRate}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
