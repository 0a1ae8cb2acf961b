package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresBackend is the distributed option: workers on different hosts
// share one cache through a Postgres table. Semantics match the SQLite
// backend (TTL rows, first writer wins while live).
type postgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

func newPostgres(ctx context.Context, pool *pgxpool.Pool, table string) (*postgresBackend, error) {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			expires_at BIGINT NOT NULL
		)`, table))
	if err != nil {
		return nil, fmt.Errorf("cache: create table %s: %w", table, err)
	}
	return &postgresBackend{pool: pool, table: table}, nil
}

func (b *postgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND expires_at > $2`, b.table),
		key, time.Now().UnixMilli()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return value, true, nil
}

func (b *postgresBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
		WHERE %s.expires_at <= $4`, b.table, b.table),
		key, value, now+ttl.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}
