package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/db"
	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/provider"
	"github.com/sells-group/catalog-enricher/internal/resilience"
	"github.com/sells-group/catalog-enricher/internal/store"
	"github.com/sells-group/catalog-enricher/pkg/googlebooks"
	"github.com/sells-group/catalog-enricher/pkg/openlibrary"
)

const defaultSQLitePath = "catalog.db"

// enrichEnv bundles the store and engine a command works with.
type enrichEnv struct {
	Store  store.Store
	Engine *enrich.Engine
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultSQLitePath
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initSources builds the ordered provider list from the enabled clients.
// Open Library goes first because its work ids are stable.
func initSources() []enrich.Source {
	retry := resilience.FromConfig(cfg.Retry)
	breaker := resilience.BreakerConfig{}
	var sources []enrich.Source

	if cfg.OpenLibrary.Enabled {
		client := openlibrary.NewClient(
			openlibrary.WithBaseURL(cfg.OpenLibrary.BaseURL),
			openlibrary.WithCoversURL(cfg.OpenLibrary.CoversBaseURL),
			openlibrary.WithRateLimit(cfg.OpenLibrary.RatePerSec),
			openlibrary.WithRetry(retry),
			openlibrary.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.OpenLibrary.TimeoutSecs) * time.Second}),
		)
		sources = append(sources, enrich.Source{
			Provider: provider.NewOpenLibrary(client, breaker),
			Policy:   enrich.PolicyDirect,
		})
	}
	if cfg.GoogleBooks.Enabled {
		client := googlebooks.NewClient(cfg.GoogleBooks.Key,
			googlebooks.WithBaseURL(cfg.GoogleBooks.BaseURL),
			googlebooks.WithRateLimit(cfg.GoogleBooks.RatePerSec),
			googlebooks.WithRetry(retry),
			googlebooks.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.GoogleBooks.TimeoutSecs) * time.Second}),
		)
		sources = append(sources, enrich.Source{
			Provider: provider.NewGoogleBooks(client, breaker),
			Policy:   enrich.PolicyExhaustive,
		})
	}
	return sources
}

// openStore validates config for mode and opens a migrated store.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv opens the store and builds the engine. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*enrichEnv, error) {
	st, err := openStore(ctx, mode)
	if err != nil {
		return nil, err
	}

	policy, err := enrich.LoadPolicy(cfg.Enrichment.PolicyPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sources := initSources()
	engine, err := enrich.New(st, enrich.OptionsFromConfig(cfg, sources, policy))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Provider.Name())
	}
	zap.L().Info("enrichment engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", names),
	)
	return &enrichEnv{Store: st, Engine: engine}, nil
}
