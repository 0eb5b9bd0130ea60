package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/easystart/internal/history"
)

func TestSQLiteSink_RecordsSpawnLifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	now := time.Now().UTC()
	events := []history.Event{
		{ID: "spawn-1", Type: history.EventStart, Username: "alice", PID: 4242, OccurredAt: now},
		{ID: "spawn-1", Type: history.EventKill, Username: "alice", PID: 4242, OccurredAt: now.Add(time.Second), ExitCode: -1, Error: "signal: killed"},
		{ID: "spawn-2", Type: history.EventStart, Username: "bob", PID: 4343, OccurredAt: now},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	got, err := sink.Events(ctx, "alice")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(got))
	}
	if got[0].Type != history.EventStart || got[1].Type != history.EventKill {
		t.Fatalf("unexpected order: %+v", got)
	}
	if got[1].Error != "signal: killed" || got[1].ExitCode != -1 || got[1].ID != "spawn-1" {
		t.Fatalf("kill event not stored faithfully: %+v", got[1])
	}
	if got[0].Error != "" {
		t.Fatalf("start event should have no error, got %q", got[0].Error)
	}
	all, err := sink.Events(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 events overall, got %d err=%v", len(all), err)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{ID: "x", Type: history.EventExit, Username: "u", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.Events(context.Background(), "u")
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one event, got %d err=%v", len(got), err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
