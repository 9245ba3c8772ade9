package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/model"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// No-match TTLs, chosen by whether the target edition carries an ISBN.
const (
	NoMatchTTLWithISBN    = 7 * 24 * time.Hour
	NoMatchTTLWithoutISBN = 24 * time.Hour
)

// TTLFor returns the no-match TTL for a work whose target edition is ed.
func TTLFor(ed *model.Edition) time.Duration {
	if ed.HasISBN() {
		return NoMatchTTLWithISBN
	}
	return NoMatchTTLWithoutISBN
}

// NoMatchCache remembers (user, work, provider) triples that recently
// produced nothing.
type NoMatchCache struct {
	now func() time.Time
}

// NewNoMatchCache creates a cache over the store's no-match table.
func NewNoMatchCache() *NoMatchCache {
	return &NoMatchCache{now: time.Now}
}

// IsActive reports whether an unexpired entry exists.
func (c *NoMatchCache) IsActive(ctx context.Context, st store.Store, userID, workID, providerName string) (bool, error) {
	ok, err := st.IsNoMatchActive(ctx, userID, workID, providerName, c.now().UTC())
	return ok, eris.Wrapf(err, "enrich: check no-match for %s", providerName)
}

// Set upserts an entry expiring ttl from now.
func (c *NoMatchCache) Set(ctx context.Context, st store.Store, userID, workID, providerName string, ttl time.Duration, reason string) error {
	now := c.now().UTC()
	err := st.UpsertNoMatch(ctx, model.NoMatchEntry{
		UserID:    userID,
		WorkID:    workID,
		Provider:  providerName,
		Reason:    reason,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	return eris.Wrapf(err, "enrich: set no-match for %s", providerName)
}

// Clear drops every entry for the work.
func (c *NoMatchCache) Clear(ctx context.Context, st store.Store, userID, workID string) (int, error) {
	n, err := st.ClearNoMatch(ctx, userID, workID)
	return n, eris.Wrap(err, "enrich: clear no-match")
}

// Prune deletes expired entries.
func (c *NoMatchCache) Prune(ctx context.Context, st store.Store) (int, error) {
	n, err := st.DeleteExpiredNoMatch(ctx, c.now().UTC())
	return n, eris.Wrap(err, "enrich: prune no-match")
}
