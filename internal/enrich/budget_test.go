package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/config"
)

func newTestLedger(limits map[string]Limits, clock *testClock) *Ledger {
	l := NewLedger(limits)
	l.now = clock.Now
	return l
}

func TestLedger_PerUserLimit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	clock := newTestClock()
	l := newTestLedger(map[string]Limits{"openlibrary": {PerUserDaily: 1}}, clock)
	ctx := context.Background()

	ok, err := l.Reserve(ctx, st, "openlibrary", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reserve(ctx, st, "openlibrary", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Reserve(ctx, st, "openlibrary", "u2")
	require.NoError(t, err)
	assert.True(t, ok, "other users have their own budget")

	clock.Advance(24 * time.Hour)
	ok, err = l.Reserve(ctx, st, "openlibrary", "u1")
	require.NoError(t, err)
	assert.True(t, ok, "budgets reset at the UTC day boundary")
}

func TestLedger_GlobalLimit(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	l := newTestLedger(map[string]Limits{"googlebooks": {GlobalDaily: 2}}, newTestClock())
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		ok, err := l.Reserve(ctx, st, "googlebooks", user)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Reserve(ctx, st, "googlebooks", "u3")
	require.NoError(t, err)
	assert.False(t, ok)

	total, err := st.GlobalUsage(ctx, epoch.Format(time.DateOnly), "googlebooks")
	require.NoError(t, err)
	assert.Equal(t, 2, total, "a refused reservation consumes nothing")
}

func TestLedger_UnlistedProviderIsUnlimited(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	l := newTestLedger(nil, newTestClock())
	for range 5 {
		ok, err := l.Reserve(context.Background(), st, "openlibrary", "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestLimitsFromConfig(t *testing.T) {
	t.Parallel()
	got := LimitsFromConfig(config.BudgetConfig{
		OpenLibrary: config.ProviderBudget{GlobalDaily: 1000, PerUserDaily: 100},
		GoogleBooks: config.ProviderBudget{GlobalDaily: 500},
	})
	assert.Equal(t, Limits{GlobalDaily: 1000, PerUserDaily: 100}, got["openlibrary"])
	assert.Equal(t, Limits{GlobalDaily: 500}, got["googlebooks"])
}
