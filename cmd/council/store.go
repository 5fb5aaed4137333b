package main

import (
	"fmt"
	"io"

	"github.com/helm-labs/council/pkg/config"
	"github.com/helm-labs/council/pkg/ports"
	"github.com/helm-labs/council/pkg/store"
	"github.com/helm-labs/council/pkg/store/sqlstore"
)

// openStore opens the PersistentStore named by cfg.Store, returning an
// io.Closer the caller must close (memory and sqlite/postgres stores all
// satisfy it; sqlstore.Store.Close releases the *sql.DB pool, the
// MemoryStore close is a no-op).
func openStore(cfg config.Config) (ports.PersistentStore, io.Closer, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nopCloser{}, nil
	case "postgres":
		s, err := sqlstore.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, s, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
