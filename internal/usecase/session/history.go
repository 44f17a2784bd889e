package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sensorhub/internal/domain"
)

// HistoryStore is a SQLite index of past sessions. Export tooling queries
// it instead of walking the session directory tree. It mirrors, never
// replaces, the per-session metadata files.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (or creates) the index at dbPath and runs the
// schema migration.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session history db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session history db: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id  TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			state       TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			start_ns    INTEGER NOT NULL DEFAULT 0,
			end_ns      INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Record upserts the session row. Called on every state transition.
func (s *HistoryStore) Record(ctx context.Context, meta *domain.SessionMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, name, state, created_at, start_ns, end_ns, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			start_ns = excluded.start_ns,
			end_ns = excluded.end_ns,
			duration_ns = excluded.duration_ns`,
		meta.SessionID, meta.Name, string(meta.State),
		meta.CreatedAt.UTC().Format(time.RFC3339Nano),
		meta.StartTime, meta.EndTime, meta.Duration,
	)
	return err
}

// History returns the most recent sessions, newest first.
func (s *HistoryStore) History(ctx context.Context, limit int) ([]domain.SessionMetadata, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, name, state, created_at, start_ns, end_ns, duration_ns
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SessionMetadata
	for rows.Next() {
		var meta domain.SessionMetadata
		var state, createdStr string
		if err := rows.Scan(&meta.SessionID, &meta.Name, &state, &createdStr,
			&meta.StartTime, &meta.EndTime, &meta.Duration); err != nil {
			return nil, err
		}
		meta.State = domain.SessionState(state)
		meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, meta)
	}
	return out, rows.Err()
}
