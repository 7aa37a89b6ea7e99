// Package store owns the embedded SQLite database shared by every runtime
// component.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" is accepted and pinned to a single connection.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migrations for databases created by earlier releases.
	_, _ = db.Exec(`ALTER TABLE messages ADD COLUMN tool_call_id TEXT`)
	_, _ = db.Exec(`ALTER TABLE skills ADD COLUMN tools TEXT NOT NULL DEFAULT '[]'`)
	_, _ = db.Exec(`ALTER TABLE memories ADD COLUMN session_id TEXT`)

	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return WithTx(ctx, s.db, fn)
}

// WithTx runs fn inside a transaction on db, committing on nil error and
// rolling back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetSetting returns a persisted setting value.
func (s *Store) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, Millis(time.Now()))
	return err
}

// RecordMaintenanceRun upserts the last outcome of a recurring job.
func (s *Store) RecordMaintenanceRun(jobName, status string, runAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO maintenance_runs (job_name, last_status, last_run_at, run_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(job_name) DO UPDATE SET
			last_status = excluded.last_status,
			last_run_at = excluded.last_run_at,
			run_count = maintenance_runs.run_count + 1`,
		jobName, status, Millis(runAt))
	return err
}

// Millis converts t to the unix-millisecond representation stored on disk.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// NullableMillis maps a nullable column back to a *time.Time.
func NullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
