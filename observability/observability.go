// Package observability records task lifecycle events, worker heartbeats and
// HTTP request logs into a dedicated SQLite database. Writes never propagate
// errors: a failing observability store must not block extraction.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/extraq/idgen"
)

// Event types written to task_events.
const (
	EventSubmitted   = "task.submitted"
	EventQueued      = "task.queued"
	EventStarted     = "task.started"
	EventSucceeded   = "task.succeeded"
	EventFailed      = "task.failed"
	EventRevoked     = "task.revoked"
	EventRetried     = "task.retried"
	EventCacheHit    = "task.cache_hit"
	EventWebhookSent = "webhook.sent"
	EventWebhookLost = "webhook.lost"
)

// TaskEvent is one lifecycle event to record.
type TaskEvent struct {
	TaskID     string
	EventType  string
	FromStatus string
	ToStatus   string
	Provider   string
	Details    string // optional JSON
	Success    bool
}

// EventLogger writes task events and manages retention cleanup.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a task event. Errors are logged via slog but do not
// propagate.
func (l *EventLogger) LogEvent(ctx context.Context, event TaskEvent) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO task_events (
			event_id, task_id, event_type, from_status, to_status,
			provider, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.TaskID, event.EventType, event.FromStatus, event.ToStatus,
		event.Provider, event.Details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// LogRequest records one HTTP request row. Errors are logged, not returned.
func (l *EventLogger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration, ip, userAgent string) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO http_request_logs (
			log_id, method, path, status_code, duration_ms, ip_address, user_agent
		) VALUES (?,?,?,?,?,?,?)`,
		l.newID(), method, path, status, duration.Milliseconds(), ip, userAgent)
	if err != nil {
		slog.Error("observability request log failed", "error", err, "path", path)
	}
}

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	TaskEventsDays int
	HeartbeatsDays int
	HTTPLogsDays   int
	RunVacuumAfter bool
}

// Cleanup deletes records exceeding the retention thresholds.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()

	type cleanupTarget struct {
		table  string
		column string
		days   int
	}
	targets := []cleanupTarget{
		{"task_events", "created_at", cfg.TaskEventsDays},
		{"worker_heartbeats", "timestamp", cfg.HeartbeatsDays},
		{"http_request_logs", "created_at", cfg.HTTPLogsDays},
	}

	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now - int64(t.days*86400)
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("cleanup %s: %w", t.table, err)
		}
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	return nil
}
