// Package eventstore keeps a SQLite timeline of call lifecycle events.
// Only metadata is stored; audio and text never reach the database.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexiqai/speech-relay/internal/callevents"
)

// Store is a callevents.Sink writing to SQLite.
type Store struct {
	db        *sql.DB
	retention time.Duration
	clock     func() time.Time
}

// Open creates the database file and schema if needed, then prunes events
// older than retention. A zero retention keeps everything.
func Open(ctx context.Context, path string, retention time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, retention: retention, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.Prune(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS call_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    call_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    attrs TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_events_call_created ON call_events(call_id, created_at);
CREATE INDEX IF NOT EXISTS idx_call_events_created ON call_events(created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Record appends one event.
func (s *Store) Record(ctx context.Context, e callevents.Event) error {
	if e.At.IsZero() {
		e.At = s.clock().UTC()
	}
	var attrs []byte
	if len(e.Attrs) > 0 {
		var err error
		if attrs, err = json.Marshal(e.Attrs); err != nil {
			return fmt.Errorf("marshal attrs: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events(call_id, event_type, attrs, created_at) VALUES(?, ?, ?, ?)`,
		e.CallID, string(e.Type), string(attrs), e.At.UnixNano())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Timeline returns up to limit events for callID, oldest first.
func (s *Store) Timeline(ctx context.Context, callID string, limit int) ([]callevents.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, attrs, created_at FROM call_events
		 WHERE call_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []callevents.Event
	for rows.Next() {
		var (
			typ     string
			attrs   sql.NullString
			created int64
		)
		if err := rows.Scan(&typ, &attrs, &created); err != nil {
			return nil, err
		}
		e := callevents.Event{
			Type:   callevents.Type(typ),
			CallID: callID,
			At:     time.Unix(0, created).UTC(),
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attrs); err != nil {
				return nil, fmt.Errorf("decode attrs: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window and reports how many
// rows were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock().Add(-s.retention).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Healthy pings the database.
func (s *Store) Healthy(ctx context.Context) (bool, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}
