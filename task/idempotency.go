package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/extraq/dbopen"
)

// IdempotencyIndex maps client-supplied idempotency keys to task ids with a
// validity window. While a mapping is live, every submission carrying the
// same key resolves to the same task.
type IdempotencyIndex struct {
	db  *sql.DB
	ttl time.Duration
}

// NewIdempotencyIndex wraps db. ttl ≤ 0 defaults to 24h.
func NewIdempotencyIndex(db *sql.DB, ttl time.Duration) *IdempotencyIndex {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyIndex{db: db, ttl: ttl}
}

// EnsureTable creates the idempotency_keys table if absent.
func (ix *IdempotencyIndex) EnsureTable(ctx context.Context) error {
	_, err := ix.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key        TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

// Lookup returns the task id a live key resolves to, or "" when the key is
// unknown or expired.
func (ix *IdempotencyIndex) Lookup(ctx context.Context, key string) (string, error) {
	var taskID string
	err := ix.db.QueryRowContext(ctx, `
		SELECT task_id FROM idempotency_keys WHERE key = ? AND expires_at > ?`,
		key, time.Now().UnixMilli()).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("task: idempotency lookup: %w", err)
	}
	return taskID, nil
}

// Claim atomically records key → taskID unless a live mapping already exists,
// and returns the winning task id. A single check-and-set statement resolves
// the race between two near-simultaneous submissions with the same key: the
// insert wins on a fresh or expired key, otherwise the stored mapping stands.
func (ix *IdempotencyIndex) Claim(ctx context.Context, key, taskID string) (string, error) {
	now := time.Now().UnixMilli()
	expires := now + ix.ttl.Milliseconds()

	row := ix.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, task_id, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			task_id = excluded.task_id,
			expires_at = excluded.expires_at
		WHERE idempotency_keys.expires_at <= ?
		RETURNING task_id`,
		key, taskID, expires, now)

	var winner string
	err := row.Scan(&winner)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict with a live mapping: the upsert was a no-op. Read the
		// standing winner.
		err = ix.db.QueryRowContext(ctx,
			`SELECT task_id FROM idempotency_keys WHERE key = ?`, key).Scan(&winner)
	}
	if err != nil {
		return "", fmt.Errorf("task: idempotency claim: %w", err)
	}
	return winner, nil
}

// Sweep deletes expired mappings. Run periodically; losing the race with a
// concurrent Claim is harmless because Claim treats expired rows as absent.
func (ix *IdempotencyIndex) Sweep(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, ix.db,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("task: idempotency sweep: %w", err)
	}
	return res.RowsAffected()
}
