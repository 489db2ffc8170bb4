package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zsprackett/agent-relay/internal/events"
	_ "modernc.org/sqlite"
)

// SQLite persists sessions in a single database file. Use ":memory:" for a
// throwaway database.
type SQLite struct {
	path string

	mu  sync.Mutex
	sql *sql.DB
}

func NewSQLite(path string) *SQLite {
	return &SQLite{path: path}
}

func (d *SQLite) Kind() Kind       { return KindSQLite }
func (d *SQLite) Location() string { return d.path }

func (d *SQLite) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sql != nil {
		return nil
	}
	if d.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	conn, err := sql.Open("sqlite", d.path)
	if err != nil {
		return fmt.Errorf("%w: open db: %v", ErrUnavailable, err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, pragma, err)
		}
	}
	if err := migrate(ctx, conn); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.sql = conn
	return nil
}

func (d *SQLite) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	return err
}

func (d *SQLite) db() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sql == nil {
		return nil, ErrClosed
	}
	return d.sql, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			working_directory TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create sessions: %w", err)
	}

	// Add tags column to existing DBs; ignore "duplicate column" errors.
	if _, alterErr := conn.ExecContext(ctx, `ALTER TABLE sessions ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'`); alterErr != nil {
		if !isDuplicateColumnError(alterErr) {
			return fmt.Errorf("alter sessions add tags: %w", alterErr)
		}
	}

	_, err = conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_events (
			id         INTEGER PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			event_id   TEXT NOT NULL,
			event_type TEXT NOT NULL,
			ts         INTEGER NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			UNIQUE(session_id, seq)
		)
	`)
	if err != nil {
		return fmt.Errorf("create session_events: %w", err)
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

func (d *SQLite) CreateSession(ctx context.Context, meta Metadata) error {
	conn, err := d.db()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}
	tags, err := json.Marshal(nonNil(meta.Tags))
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO sessions (id, working_directory, name, tags, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			working_directory = excluded.working_directory,
			name = excluded.name,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		meta.ID, meta.WorkingDirectory, meta.Name, string(tags),
		meta.CreatedAt.UnixMilli(), meta.UpdatedAt.UnixMilli(),
	)
	return err
}

func (d *SQLite) UpdateSessionMetadata(ctx context.Context, meta Metadata) error {
	conn, err := d.db()
	if err != nil {
		return err
	}
	tags, err := json.Marshal(nonNil(meta.Tags))
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx,
		"UPDATE sessions SET working_directory = ?, name = ?, tags = ?, updated_at = ? WHERE id = ?",
		meta.WorkingDirectory, meta.Name, string(tags), time.Now().UnixMilli(), meta.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLite) GetSessionMetadata(ctx context.Context, id string) (*Metadata, error) {
	conn, err := d.db()
	if err != nil {
		return nil, err
	}
	row := conn.QueryRowContext(ctx, `
		SELECT id, working_directory, name, tags, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	m, err := scanMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (d *SQLite) ListSessions(ctx context.Context) ([]Metadata, error) {
	conn, err := d.db()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT id, working_directory, name, tags, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (d *SQLite) DeleteSession(ctx context.Context, id string) error {
	conn, err := d.db()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *SQLite) GetSessionEvents(ctx context.Context, id string) ([]events.Event, error) {
	conn, err := d.db()
	if err != nil {
		return nil, err
	}
	var exists int
	if err := conn.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT event_id, event_type, seq, ts, data
		FROM session_events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var (
			ev   events.Event
			typ  string
			ts   int64
			data string
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.Seq, &ts, &data); err != nil {
			return nil, err
		}
		ev.Type = events.Type(typ)
		ev.Timestamp = time.UnixMilli(ts).UTC()
		if data != "" {
			ev.Data = json.RawMessage(data)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (d *SQLite) SaveEvent(ctx context.Context, id string, ev events.Event) error {
	conn, err := d.db()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (session_id, seq, event_id, event_type, ts, data)
		VALUES (?,?,?,?,?,?)`,
		id, ev.Seq, ev.ID, string(ev.Type), ev.Timestamp.UnixMilli(), string(ev.Data),
	); err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Seq, err)
	}
	return tx.Commit()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*Metadata, error) {
	var (
		m                    Metadata
		tags                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&m.ID, &m.WorkingDirectory, &m.Name, &tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
