// Package journal keeps an audit trail of relay activity in SQLite. It is
// fed from the internal event bus and is never on the relay path: a slow or
// failing database drops journal rows, not messages.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"relaybot/internal/bus"

	_ "modernc.org/sqlite"
)

const defaultBuffer = 256

// Entry is one journal row.
type Entry struct {
	ID             int64
	Type           string
	AccountID      string
	Conversant     string
	NotificationID string
	Detail         string
	Latency        time.Duration
	CreatedAt      time.Time
}

// Query filters Recent.
type Query struct {
	AccountID string // empty for all accounts
	Type      string // empty for all types
	Limit     int
}

// Store is the SQLite journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	pending chan bus.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// Open opens or creates the journal database and starts its writer.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger,
		pending: make(chan bus.Event, defaultBuffer),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Attach subscribes the journal to every event on eb. It returns the handler
// id for eb.Off. Events are queued and written in the background; when the
// queue is full they are dropped.
func (s *Store) Attach(eb *bus.EventBus) string {
	return eb.On("*", func(e bus.Event) {
		select {
		case s.pending <- e:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				s.logger.Warn("journal queue full, events dropped", "dropped", n)
			}
		}
	})
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for e := range s.pending {
		if err := s.Record(context.Background(), e); err != nil {
			s.logger.Warn("journal write failed", "event", e.Type, "err", err)
		}
	}
}

// Record writes one event synchronously.
func (s *Store) Record(ctx context.Context, e bus.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_events (type, account_id, conversant, notification_id, detail, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Type, e.AccountID, e.Conversant, e.NotificationID, e.Detail, e.Latency.Milliseconds(), e.Timestamp.UTC(),
	)
	return err
}

// Recent returns the newest matching entries, newest first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, account_id, conversant, notification_id, detail, latency_ms, created_at
		 FROM relay_events
		 WHERE (? = '' OR account_id = ?) AND (? = '' OR type = ?)
		 ORDER BY id DESC LIMIT ?`,
		q.AccountID, q.AccountID, q.Type, q.Type, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var latencyMS int64
		if err := rows.Scan(&e.ID, &e.Type, &e.AccountID, &e.Conversant, &e.NotificationID,
			&e.Detail, &latencyMS, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of entries per event type since a time.
func (s *Store) Counts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM relay_events WHERE created_at >= ? GROUP BY type`, since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relay_events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Dropped returns how many events were lost to a full queue.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Ping checks that the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes queued events and closes the database. Detach the store from
// the event bus before calling Close.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.pending) })
	<-s.done
	return s.db.Close()
}
