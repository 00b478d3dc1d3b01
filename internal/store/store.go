// Package store provides SQLite-backed persistence for foreman.
//
// The store owns every durable table: the agent roster, file locks and
// requests, active and archived task records, the recovery log, escalations
// and the audit trail. Multi-row invariants (lock check-and-set, lock
// transfer on approval, fire cascade, task archival) are each one transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides access to the foreman SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Immediate transactions take the write lock at BEGIN, so every
	// read-then-write inside a transaction is a real check-and-set.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS file_locks (
		file_path TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		reason TEXT,
		acquired_at DATETIME NOT NULL,
		FOREIGN KEY (owner) REFERENCES agents(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS file_requests (
		id TEXT PRIMARY KEY,
		file_path TEXT NOT NULL,
		requester TEXT NOT NULL,
		owner TEXT NOT NULL,
		reason TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		owner TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '{}',
		overall_progress INTEGER NOT NULL DEFAULT 0,
		current_work TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (owner) REFERENCES agents(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		description TEXT NOT NULL,
		files TEXT NOT NULL DEFAULT '{}',
		overall_progress INTEGER NOT NULL DEFAULT 0,
		current_work TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recovery_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT,
		outcome TEXT NOT NULL,
		escalated INTEGER NOT NULL DEFAULT 0,
		detail TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escalations (
		agent TEXT PRIMARY KEY,
		reason TEXT,
		escalated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		agent TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_file_locks_owner ON file_locks(owner);
	CREATE INDEX IF NOT EXISTS idx_file_requests_status ON file_requests(status);
	CREATE INDEX IF NOT EXISTS idx_task_archive_owner ON task_archive(owner, completed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_recovery_attempts_ts ON recovery_attempts(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isNoRows reports whether err is sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
