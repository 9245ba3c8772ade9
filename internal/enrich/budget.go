package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enricher/internal/config"
	"github.com/sells-group/catalog-enricher/internal/provider"
	"github.com/sells-group/catalog-enricher/internal/store"
)

// Limits is a provider's daily request quota. Zero disables a limit.
type Limits struct {
	GlobalDaily  int `json:"global_daily"`
	PerUserDaily int `json:"per_user_daily"`
}

// LimitsFromConfig maps the budget config section onto provider names.
func LimitsFromConfig(cfg config.BudgetConfig) map[string]Limits {
	return map[string]Limits{
		provider.OpenLibraryName: {GlobalDaily: cfg.OpenLibrary.GlobalDaily, PerUserDaily: cfg.OpenLibrary.PerUserDaily},
		provider.GoogleBooksName: {GlobalDaily: cfg.GoogleBooks.GlobalDaily, PerUserDaily: cfg.GoogleBooks.PerUserDaily},
	}
}

// Ledger enforces daily provider quotas against store-backed counters, so
// several worker processes share one budget.
type Ledger struct {
	limits map[string]Limits
	now    func() time.Time
}

// NewLedger creates a Ledger. Providers without an entry are unlimited.
func NewLedger(limits map[string]Limits) *Ledger {
	return &Ledger{limits: limits, now: time.Now}
}

// Reserve consumes one request of provider's budget for userID. It reports
// false without consuming anything when either limit is reached.
func (l *Ledger) Reserve(ctx context.Context, st store.Store, providerName, userID string) (bool, error) {
	day := l.now().UTC().Format(time.DateOnly)
	lim := l.limits[providerName]

	if lim.GlobalDaily > 0 {
		total, err := st.GlobalUsage(ctx, day, providerName)
		if err != nil {
			return false, eris.Wrapf(err, "enrich: read %s usage", providerName)
		}
		if total >= lim.GlobalDaily {
			return false, nil
		}
	}

	ok, err := st.IncrementUsage(ctx, day, providerName, userID, lim.PerUserDaily)
	if err != nil {
		return false, eris.Wrapf(err, "enrich: reserve %s budget", providerName)
	}
	return ok, nil
}
