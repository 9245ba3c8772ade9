package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-enricher/internal/model"
)

func TestTTLFor(t *testing.T) {
	assert.Equal(t, NoMatchTTLWithoutISBN, TTLFor(nil))
	assert.Equal(t, NoMatchTTLWithoutISBN, TTLFor(&model.Edition{Publisher: "Ace"}))
	assert.Equal(t, NoMatchTTLWithISBN, TTLFor(&model.Edition{ISBN10: "0441172717"}))
	assert.Equal(t, 7*24*time.Hour, TTLFor(&model.Edition{ISBN13: "9780441172719"}))
}

func TestNoMatchCache_Lifecycle(t *testing.T) {
	st := newTestStore(t)
	clock := newTestClock()
	cache := NewNoMatchCache()
	cache.now = clock.Now
	ctx := context.Background()

	active, err := cache.IsActive(ctx, st, testUser, "w1", "openlibrary")
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, cache.Set(ctx, st, testUser, "w1", "openlibrary", NoMatchTTLWithoutISBN, model.ReasonNoMatch))
	require.NoError(t, cache.Set(ctx, st, testUser, "w1", "googlebooks", NoMatchTTLWithISBN, model.ReasonNoMatch))

	active, err = cache.IsActive(ctx, st, testUser, "w1", "openlibrary")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = cache.IsActive(ctx, st, "someone-else", "w1", "openlibrary")
	require.NoError(t, err)
	assert.False(t, active, "entries are per user")

	clock.Advance(25 * time.Hour)
	active, err = cache.IsActive(ctx, st, testUser, "w1", "openlibrary")
	require.NoError(t, err)
	assert.False(t, active, "expired after a day")

	n, err := cache.Prune(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = cache.Clear(ctx, st, testUser, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err = cache.IsActive(ctx, st, testUser, "w1", "googlebooks")
	require.NoError(t, err)
	assert.False(t, active)
}
