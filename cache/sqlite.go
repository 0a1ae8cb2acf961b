package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqliteBackend stores entries in one SQLite table. It doubles as the disk
// backend: point dbopen at a file and every worker on the host shares it.
type sqliteBackend struct {
	db    *sql.DB
	table string
}

func newSQLite(ctx context.Context, db *sql.DB, table string) (*sqliteBackend, error) {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s (expires_at);`,
		table, table, table))
	if err != nil {
		return nil, fmt.Errorf("cache: create table %s: %w", table, err)
	}
	return &sqliteBackend{db: db, table: table}, nil
}

func (b *sqliteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = ? AND expires_at > ?`, b.table),
		key, time.Now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return value, true, nil
}

func (b *sqliteBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	// The upsert only replaces an expired entry: a live key stands, so the
	// losing concurrent writer is discarded silently.
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
		WHERE %s.expires_at <= ?`, b.table, b.table),
		key, value, now+ttl.Milliseconds(), now)
	if err != nil {
		return fmt.Errorf("cache: put: %w", err)
	}
	return nil
}

// Sweep deletes expired rows. Call it from a periodic janitor.
func (b *sqliteBackend) Sweep(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, b.table),
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache: sweep: %w", err)
	}
	return res.RowsAffected()
}
