package journal

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaybot/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []bus.Event{
		{Type: bus.EventInboundForwarded, AccountID: "A", Conversant: "Bob", NotificationID: "501", Timestamp: base},
		{Type: bus.EventInboundForwarded, AccountID: "B", Conversant: "Eve", NotificationID: "502", Timestamp: base.Add(time.Second)},
		{Type: bus.EventDispatchSent, AccountID: "A", Conversant: "Bob", Latency: 1500 * time.Millisecond, Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := s.Recent(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Type != bus.EventDispatchSent || all[0].Latency != 1500*time.Millisecond {
		t.Errorf("newest entry first expected, got %+v", all[0])
	}
	if !all[2].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", all[2].CreatedAt, base)
	}

	onlyA, err := s.Recent(ctx, Query{AccountID: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 2 {
		t.Errorf("expected 2 entries for A, got %d", len(onlyA))
	}

	forwarded, err := s.Recent(ctx, Query{Type: bus.EventInboundForwarded, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(forwarded) != 1 || forwarded[0].NotificationID != "502" {
		t.Errorf("unexpected filtered result: %+v", forwarded)
	}
}

func TestCountsAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	s.Record(ctx, bus.Event{Type: bus.EventReplyMissed, Timestamp: old})
	s.Record(ctx, bus.Event{Type: bus.EventReplyMissed, Timestamp: recent})
	s.Record(ctx, bus.Event{Type: bus.EventReplyQueued, Timestamp: recent})

	counts, err := s.Counts(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if counts[bus.EventReplyMissed] != 1 || counts[bus.EventReplyQueued] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	n, err := s.Prune(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned row, got %d", n)
	}
	all, _ := s.Recent(ctx, Query{})
	if len(all) != 2 {
		t.Errorf("expected 2 rows left, got %d", len(all))
	}
}

func TestAttachWritesEmittedEvents(t *testing.T) {
	s := openTestStore(t)
	eb := bus.NewEventBus(testLogger())
	id := s.Attach(eb)

	eb.Emit(bus.Event{Type: bus.EventScanFailed, AccountID: "A", Detail: "timeout"})
	eb.Emit(bus.Event{Type: bus.EventReplyQueued, AccountID: "A", Conversant: "Bob"})
	eb.Off("*", id)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := s.Recent(context.Background(), Query{})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 2 {
			if got[1].Type != bus.EventScanFailed || got[1].Detail != "timeout" {
				t.Errorf("unexpected entry: %+v", got[1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 journal rows, got %d", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	eb := bus.NewEventBus(testLogger())
	id := s.Attach(eb)
	for i := 0; i < 20; i++ {
		eb.Emit(bus.Event{Type: bus.EventInboundForwarded, AccountID: "A"})
	}
	eb.Off("*", id)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.Recent(context.Background(), Query{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(got)+int(s.Dropped()) != 20 {
		t.Errorf("rows %d + dropped %d != 20", len(got), s.Dropped())
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if v, _ := GetSchemaVersion(db); v != 0 {
		t.Errorf("fresh database version = %d, want 0", v)
	}
	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	v, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Errorf("version = %d, want %d", v, schemaVersion)
	}
}

func TestMigrationSkipsManuallyAppliedColumn(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// A v1 database whose latency column was added by hand.
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}
	db.Exec("DELETE FROM schema_version WHERE version = 2")

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("re-applying v2 should skip the existing column: %v", err)
	}
}

func TestSplitSQL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{"empty", "", 0},
		{"single", "CREATE TABLE t (id INT)", 1},
		{"multiple", "CREATE TABLE t1 (id INT); CREATE TABLE t2 (id INT)", 2},
		{"trailing semicolon", "CREATE TABLE t (id INT);", 1},
		{"whitespace", "  CREATE TABLE t (id INT)  ;  ", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitSQL(tt.input); len(got) != tt.expected {
				t.Errorf("expected %d statements, got %d: %v", tt.expected, len(got), got)
			}
		})
	}
}
