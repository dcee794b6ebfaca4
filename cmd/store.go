package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lotwatch/internal/resilience"
	"github.com/sells-group/lotwatch/internal/store"
	"github.com/sells-group/lotwatch/internal/taxonomy"
)

// initStore opens the configured store, retrying transient connection
// failures.
func initStore(ctx context.Context) (store.Store, error) {
	retry := resilience.FromRetryConfig(cfg.Retry)
	retry.OnRetry = resilience.RetryLogger("connect store")

	return resilience.DoVal(ctx, retry, func(ctx context.Context) (store.Store, error) {
		switch cfg.Store.Driver {
		case "sqlite":
			dsn := cfg.Store.DatabaseURL
			if dsn == "" {
				dsn = "lotwatch.db"
			}
			return store.NewSQLite(dsn)
		case "postgres":
			if cfg.Store.DatabaseURL == "" {
				return nil, eris.New("store: database_url is required for postgres (LOTWATCH_STORE_DATABASE_URL)")
			}
			return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
				MaxConns: cfg.Store.MaxConns,
				MinConns: cfg.Store.MinConns,
			})
		default:
			return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
		}
	})
}

// openStore opens the store and applies migrations. Callers should defer
// st.Close().
func openStore(ctx context.Context) (store.Store, error) {
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

// statusTable returns the status taxonomy with a sink that counts misses.
func statusTable() (*taxonomy.Table, *taxonomy.CountingSink) {
	sink := taxonomy.NewCountingSink()
	return taxonomy.StatusTable(sink), sink
}

// logTaxonomyMisses reports labels the status table could not map.
func logTaxonomyMisses(sink *taxonomy.CountingSink) {
	if sink.Total() == 0 {
		return
	}
	for table, labels := range sink.Counts() {
		for raw, n := range labels {
			zap.L().Warn("unmapped label",
				zap.String("table", table),
				zap.String("label", raw),
				zap.Int("count", n),
			)
		}
	}
}
