package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/extraq/dbopen"
)

var (
	// ErrNotFound is returned when no task exists under the given id.
	ErrNotFound = errors.New("task: not found")
	// ErrInvalidState is returned when a compare-and-swap transition finds a
	// different previous status than expected (lost race, terminal task).
	ErrInvalidState = errors.New("task: invalid state")
	// ErrAlreadyExists is returned by Create on a duplicate id.
	ErrAlreadyExists = errors.New("task: already exists")
)

// Store persists tasks in SQLite. All status mutations are compare-and-swap
// keyed on the expected previous status, so concurrent workers and revokes
// cannot clobber each other.
type Store struct {
	db *sql.DB
}

// NewStore wraps db. Call EnsureTable once at startup.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureTable creates the tasks table if absent.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			document_url     TEXT NOT NULL DEFAULT '',
			raw_text         TEXT NOT NULL DEFAULT '',
			provider         TEXT NOT NULL DEFAULT '',
			passes           INTEGER NOT NULL DEFAULT 1,
			spec_json        TEXT NOT NULL DEFAULT '{}',
			retries          INTEGER NOT NULL DEFAULT 0,
			result_json      TEXT,
			error            TEXT NOT NULL DEFAULT '',
			callback_json    TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
	`)
	return err
}

// Create inserts a new task. The caller owns id generation; the task's
// timestamps are set here.
func (s *Store) Create(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	specJSON, err := json.Marshal(t.Spec)
	if err != nil {
		return fmt.Errorf("task: marshal spec: %w", err)
	}
	var callbackJSON any
	if t.Callback != nil {
		b, err := json.Marshal(t.Callback)
		if err != nil {
			return fmt.Errorf("task: marshal callback: %w", err)
		}
		callbackJSON = string(b)
	}

	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO tasks (id, status, document_url, raw_text, provider, passes,
			spec_json, callback_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Status, t.DocumentURL, t.RawText, t.Provider, t.Passes,
		string(specJSON), callbackJSON, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, t.ID)
		}
		return fmt.Errorf("task: create: %w", err)
	}
	return nil
}

// Get returns the current task snapshot.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, document_url, raw_text, provider, passes, spec_json,
			retries, result_json, error, callback_json, cancel_requested,
			created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// Delete removes a task record. Used only to clean up the loser of an
// idempotency-key race before the task was ever enqueued.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := dbopen.Exec(ctx, s.db, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

// Transition moves a task from the expected previous status to the next one.
// Returns ErrInvalidState when the stored status differs from `from` (the
// caller lost a race or the task is terminal), ErrNotFound for unknown ids.
func (s *Store) Transition(ctx context.Context, id string, from, to Status) error {
	if err := ValidateTransition(from, to); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return s.cas(ctx, id, from, `status = ?`, to)
}

// Succeed atomically transitions running → success and stores the result.
func (s *Store) Succeed(ctx context.Context, id string, res *Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("task: marshal result: %w", err)
	}
	return s.cas(ctx, id, StatusRunning, `status = ?, result_json = ?`, StatusSuccess, string(b))
}

// Fail atomically transitions running → failure and records the error
// description.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) error {
	return s.cas(ctx, id, StatusRunning, `status = ?, error = ?`, StatusFailure, errMsg)
}

// IncRetries bumps the retry counter and returns the new value. Only valid
// while the task is running.
func (s *Store) IncRetries(ctx context.Context, id string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET retries = retries + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING retries`,
		time.Now().UnixMilli(), id, StatusRunning)
	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, s.notFoundOrInvalid(ctx, id)
		}
		return 0, err
	}
	return n, nil
}

// RequestCancel marks the cooperative cancellation flag. A task with no
// in-flight worker (submitted/queued) is revoked immediately; a running one
// is revoked by its worker at the next suspension point. Terminal tasks
// return ErrInvalidState, unknown ids ErrNotFound.
func (s *Store) RequestCancel(ctx context.Context, id string) (Status, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if IsTerminal(t.Status) {
		return t.Status, fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, t.Status)
	}

	if _, err := dbopen.Exec(ctx, s.db, `
		UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return "", fmt.Errorf("task: request cancel: %w", err)
	}

	if t.Status == StatusSubmitted || t.Status == StatusQueued {
		if err := s.cas(ctx, id, t.Status, `status = ?`, StatusRevoked); err == nil {
			return StatusRevoked, nil
		}
		// A worker grabbed it between Get and the swap; it will observe the
		// flag and revoke.
	}
	return t.Status, nil
}

// CancelRequested reads the cooperative cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n != 0, err
}

// cas runs one compare-and-swap update guarded by expected previous status.
// setClause must start with `status = ?`.
func (s *Store) cas(ctx context.Context, id string, from Status, setClause string, args ...any) error {
	query := `UPDATE tasks SET ` + setClause + `, updated_at = ? WHERE id = ? AND status = ?`
	args = append(args, time.Now().UnixMilli(), id, from)

	res, err := dbopen.Exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("task: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.notFoundOrInvalid(ctx, id)
	}
	return nil
}

func (s *Store) notFoundOrInvalid(ctx context.Context, id string) error {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, status)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var specJSON, errMsg string
	var resultJSON, callbackJSON sql.NullString
	var cancelRequested int
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.Status, &t.DocumentURL, &t.RawText, &t.Provider,
		&t.Passes, &specJSON, &t.Retries, &resultJSON, &errMsg, &callbackJSON,
		&cancelRequested, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("task: scan: %w", err)
	}

	if err := json.Unmarshal([]byte(specJSON), &t.Spec); err != nil {
		return nil, fmt.Errorf("task: decode spec: %w", err)
	}
	if resultJSON.Valid {
		t.Result = &Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), t.Result); err != nil {
			return nil, fmt.Errorf("task: decode result: %w", err)
		}
	}
	if callbackJSON.Valid {
		t.Callback = &Callback{}
		if err := json.Unmarshal([]byte(callbackJSON.String), t.Callback); err != nil {
			return nil, fmt.Errorf("task: decode callback: %w", err)
		}
	}
	t.Error = errMsg
	t.CancelRequested = cancelRequested != 0
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
