package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/store"
	"github.com/sells-group/partd-geo/pkg/geocode"
)

// initStore opens and migrates the configured store. The returned deps carry
// the postgres pool for database-backed providers.
func initStore(ctx context.Context) (store.Store, geocode.Deps, error) {
	var deps geocode.Deps
	switch strings.ToLower(cfg.Store.Driver) {
	case "", "sqlite":
		dsn := cfg.Store.DSN
		if dsn == "" {
			dsn = "partd-geo.db"
		}
		st, err := store.Open(ctx, "sqlite", dsn)
		return st, deps, err
	case "postgres", "postgresql":
		pg, err := store.NewPostgres(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, deps, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close() //nolint:errcheck
			return nil, deps, err
		}
		deps.Pool = pg.Pool()
		return pg, deps, nil
	default:
		return nil, deps, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
