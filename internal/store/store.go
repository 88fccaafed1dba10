package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"callsync/internal/logger"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite access for calls, persons, settings and job runs.
type Store struct {
	db  *sql.DB
	log *logger.Logger
	now func() time.Time
}

// Open opens (and migrates) the database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// single writer; every query drains its rows before the next one starts
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log.Named("store"), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source used for updated_at stamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			composite_id TEXT PRIMARY KEY,
			phone_number TEXT NOT NULL,
			contact_name TEXT NOT NULL DEFAULT '',
			call_type TEXT NOT NULL,
			duration_sec INTEGER NOT NULL DEFAULT 0,
			call_timestamp INTEGER NOT NULL,
			sim_slot INTEGER,
			device_phone TEXT NOT NULL DEFAULT '',
			metadata_status TEXT NOT NULL,
			recording_status TEXT NOT NULL,
			recording_path TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			reviewed INTEGER NOT NULL DEFAULT 0,
			last_sync_error TEXT NOT NULL DEFAULT '',
			server_known INTEGER NOT NULL DEFAULT 0,
			synced_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			recording_updated_at INTEGER NOT NULL DEFAULT 0,
			recording_retry INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_metadata ON calls(metadata_status);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_recording ON calls(recording_status);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_phone ON calls(phone_number);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_ts ON calls(call_timestamp);`,
		`CREATE TABLE IF NOT EXISTS persons (
			phone_number TEXT PRIMARY KEY,
			note TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			contact_name TEXT NOT NULL DEFAULT '',
			exclude_from_sync INTEGER NOT NULL DEFAULT 0,
			exclude_from_list INTEGER NOT NULL DEFAULT 0,
			last_call_composite_id TEXT NOT NULL DEFAULT '',
			last_call_timestamp INTEGER NOT NULL DEFAULT 0,
			pending_sync INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			attempt INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_created ON job_runs(created_at);`,
		`CREATE TABLE IF NOT EXISTS leases (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
