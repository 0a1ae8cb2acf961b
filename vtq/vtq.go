// Package vtq implements the extraction job queue as a visibility timeout
// queue backed by SQLite.
//
// One row is enqueued per task. A claimed row is invisible to other consumers
// for a configurable duration; if the worker finishes it acks (deletes) the
// row, and if the worker crashes or exceeds the timeout the row reappears and
// another worker claims it. Delivery is therefore at-least-once — the task
// store's compare-and-swap transitions and the idempotent result cache make
// duplicate delivery safe.
//
// PublishAfter supports delayed redelivery, which the worker uses for retry
// backoff after transient engine failures.
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS extract_jobs (
//	    id          TEXT PRIMARY KEY,   -- task id
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a row in the queue. ID is the task id it references.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name; multiple queues can share the table.
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	// Must exceed the hard task timeout or a running task can be claimed twice.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries before a job is discarded.
	// 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the extract_jobs table and index if absent.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS extract_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_extract_jobs_visible ON extract_jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a job that is immediately visible.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	return q.PublishAfter(ctx, id, payload, 0)
}

// PublishAfter inserts a job that becomes visible after delay. The worker
// uses it to re-enqueue a task with retry backoff.
func (q *Q) PublishAfter(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	now := time.Now()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO extract_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	return err
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil when no
// job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE extract_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM extract_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Ack deletes a processed job. Also used to drop a job whose task reached a
// terminal state by other means (revoke, duplicate delivery).
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM extract_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	return q.NackAfter(ctx, id, 0)
}

// NackAfter makes a job visible again after delay.
func (q *Q) NackAfter(ctx context.Context, id string, delay time.Duration) error {
	visibleAt := int64(0)
	if delay > 0 {
		visibleAt = time.Now().Add(delay).UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE extract_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		visibleAt, id, q.opts.Queue,
	)
	return err
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern for long extractions).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE extract_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extract_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// ErrRescheduled tells Run that the handler already repositioned the job's
// visibility (NackAfter with a computed backoff) and wants neither an ack
// nor the default immediate nack.
var ErrRescheduled = errors.New("vtq: job rescheduled by handler")

// Handler processes a claimed job. Return nil to ack, ErrRescheduled to
// leave the job as the handler placed it, any other error to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls in batches and processes jobs with bounded concurrency — this is
// the worker pool. It blocks until ctx is cancelled, draining in-flight
// handlers before returning.
func (q *Q) Run(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.claimBatch(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("vtq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, job := range jobs {
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("vtq: job exceeded max attempts, discarding",
						"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
					_ = q.Ack(ctx, job.ID)
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(ctx, job.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()

					switch err := handler(ctx, j); {
					case err == nil:
						_ = q.Ack(context.Background(), j.ID)
					case errors.Is(err, ErrRescheduled):
						// Handler already set the next visibility.
					default:
						log.Warn("vtq: handler failed, nacking", "id", j.ID, "error", err, "queue", q.opts.Queue)
						_ = q.Nack(context.Background(), j.ID)
					}
				}(job)
			}
		}
	}
}

func (q *Q) claimBatch(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE extract_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM extract_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
