// Package cache implements the two-tier cache manager: a per-call response
// tier and a whole-result tier, each a TTL key/value store with a pluggable
// backend. Entries are immutable — a put to a live key is a no-op (first
// writer wins), so concurrent identical requests never churn results.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Backend is a TTL key/value store.
type Backend interface {
	// Get returns the value for key, or ok=false on a miss or expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores value under key with the given ttl. If a live entry already
	// exists, Put silently keeps it (first writer wins).
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BackendKind selects a cache backend implementation. The set is closed;
// selection happens once at construction.
type BackendKind string

const (
	KindMemory   BackendKind = "memory"
	KindSQLite   BackendKind = "sqlite"
	KindPostgres BackendKind = "postgres"
)

// BackendConfig carries the construction inputs for each kind. Only the
// field matching Kind is consulted.
type BackendConfig struct {
	Kind BackendKind
	// DB backs KindSQLite. The table is created by NewBackend.
	DB *sql.DB
	// Pool backs KindPostgres (the distributed option).
	Pool *pgxpool.Pool
	// Table overrides the storage table name. Default: "cache_entries".
	Table string
}

// NewBackend builds the backend for cfg.Kind.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if cfg.Table == "" {
		cfg.Table = "cache_entries"
	}
	switch cfg.Kind {
	case KindMemory, "":
		return NewMemory(), nil
	case KindSQLite:
		if cfg.DB == nil {
			return nil, fmt.Errorf("cache: sqlite backend requires a DB")
		}
		return newSQLite(ctx, cfg.DB, cfg.Table)
	case KindPostgres:
		if cfg.Pool == nil {
			return nil, fmt.Errorf("cache: postgres backend requires a pool")
		}
		return newPostgres(ctx, cfg.Pool, cfg.Table)
	default:
		return nil, fmt.Errorf("cache: unknown backend kind %q", cfg.Kind)
	}
}
