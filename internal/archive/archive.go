// Package archive persists conversation transcripts in SQLite.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/claudecom/internal/logging"
)

var archiveLog = logging.ForComponent(logging.CompArchive)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Direction of an archived message relative to the wrapped program.
const (
	DirectionOut = "out" // transcript sent to the channel
	DirectionIn  = "in"  // command received from the channel
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("archive: session not found")

// Store wraps a SQLite database of sessions and their messages.
// Safe for concurrent use; multiple processes share it via WAL + busy timeout.
type Store struct {
	db *sql.DB
}

// SessionRow is one bridged session.
type SessionRow struct {
	ID        string
	Instance  string
	ContextID string
	Command   string
	StartedAt time.Time
	StoppedAt time.Time // zero while running
}

// TurnRow is one archived message.
type TurnRow struct {
	ID        int64
	SessionID string
	Direction string
	Text      string
	At        time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("archive: mkdir: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers from other processes while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: wal mode: %w", err)
	}

	return &Store{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *Store) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("archive: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []struct{ name, sql string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"sessions", `
			CREATE TABLE IF NOT EXISTS sessions (
				id         TEXT PRIMARY KEY,
				instance   TEXT NOT NULL,
				context_id TEXT NOT NULL DEFAULT '',
				command    TEXT NOT NULL DEFAULT '',
				started_at INTEGER NOT NULL,
				stopped_at INTEGER NOT NULL DEFAULT 0
			)`},
		{"turns", `
			CREATE TABLE IF NOT EXISTS turns (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				direction  TEXT NOT NULL,
				text       TEXT NOT NULL,
				at         INTEGER NOT NULL
			)`},
		{"turns index", `CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id)`},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.sql); err != nil {
			return fmt.Errorf("archive: create %s: %w", st.name, err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("archive: set schema version: %w", err)
	}

	return tx.Commit()
}

// StartSession inserts a session row.
func (s *Store) StartSession(ctx context.Context, row SessionRow) error {
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, instance, context_id, command, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.ID, row.Instance, row.ContextID, row.Command, row.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("archive: start session: %w", err)
	}
	archiveLog.Debug("session_started", slog.String("session_id", row.ID))
	return nil
}

// EndSession records the stop time of a session.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("archive: end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendTurn stores one message and returns its row id.
func (s *Store) AppendTurn(ctx context.Context, row TurnRow) (int64, error) {
	if row.At.IsZero() {
		row.At = time.Now()
	}
	if row.Direction == "" {
		row.Direction = DirectionOut
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_id, direction, text, at) VALUES (?, ?, ?, ?)
	`, row.SessionID, row.Direction, row.Text, row.At.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("archive: append turn: %w", err)
	}
	return res.LastInsertId()
}

// Sessions lists sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance, context_id, command, started_at, stopped_at
		FROM sessions ORDER BY started_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			r                  SessionRow
			started, stoppedAt int64
		)
		if err := rows.Scan(&r.ID, &r.Instance, &r.ContextID, &r.Command, &started, &stoppedAt); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if stoppedAt > 0 {
			r.StoppedAt = time.UnixMilli(stoppedAt)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Turns lists a session's messages in insertion order.
func (s *Store) Turns(ctx context.Context, sessionID string) ([]TurnRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, direction, text, at
		FROM turns WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: list turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var (
			r  TurnRow
			at int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Direction, &r.Text, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
