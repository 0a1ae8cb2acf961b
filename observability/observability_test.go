package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	tables := []string{"task_events", "worker_heartbeats", "http_request_logs"}
	for _, table := range tables {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
}

func TestEventLogger_LogEvent(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db)

	l.LogEvent(context.Background(), TaskEvent{
		TaskID:     "tsk_1",
		EventType:  EventQueued,
		FromStatus: "submitted",
		ToStatus:   "queued",
		Success:    true,
	})
	l.LogEvent(context.Background(), TaskEvent{
		TaskID:    "tsk_1",
		EventType: EventFailed,
		Details:   `{"error":"engine exploded"}`,
	})

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM task_events WHERE task_id = 'tsk_1'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("want 2 events, got %d", count)
	}

	var eventID string
	db.QueryRow("SELECT event_id FROM task_events LIMIT 1").Scan(&eventID)
	if len(eventID) < 5 || eventID[:4] != "evt_" {
		t.Fatalf("event id %q lacks evt_ prefix", eventID)
	}
}

func TestEventLogger_NilReceiver(t *testing.T) {
	var l *EventLogger
	// Must not panic: callers treat the logger as optional.
	l.LogEvent(context.Background(), TaskEvent{TaskID: "tsk_x", EventType: EventQueued})
	l.LogRequest(context.Background(), "GET", "/health", 200, time.Millisecond, "", "")
}

func TestHeartbeatWriter(t *testing.T) {
	db := setupObsDB(t)
	hw := NewHeartbeatWriter(db, "extract-worker", time.Hour)

	if err := hw.WriteHeartbeat(); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = 'extract-worker'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("want 1 heartbeat, got %d", count)
	}
}

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	old := time.Now().Add(-10 * 24 * time.Hour).Unix()
	if _, err := db.Exec(
		"INSERT INTO task_events (event_id, task_id, event_type, created_at) VALUES ('evt_old', 'tsk_1', ?, ?)",
		EventQueued, old); err != nil {
		t.Fatal(err)
	}

	l := NewEventLogger(db)
	l.LogEvent(context.Background(), TaskEvent{TaskID: "tsk_2", EventType: EventQueued})

	if err := Cleanup(context.Background(), db, RetentionConfig{TaskEventsDays: 7}); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM task_events").Scan(&count)
	if count != 1 {
		t.Fatalf("want 1 surviving event, got %d", count)
	}
}
