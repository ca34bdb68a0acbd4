package storage

import (
	"context"
	"fmt"
)

// NewRunStore opens the backend named by kind. dsn is the SQLite file path
// or the PostgreSQL connection string.
func NewRunStore(ctx context.Context, kind, dsn string) (RunStore, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		store := NewSQLiteStore(dsn)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
