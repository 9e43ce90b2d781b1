// Package persistence is the SQLite storage backend for decision traces.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type migration struct {
	version  int
	checksum string
	stmts    []string
}

// Schema ledger. Append new versions; never edit a released one.
var migrations = []migration{
	{
		version:  1,
		checksum: "dt-v1-2026-03-02-traces-steps",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS traces (
				trace_id    TEXT PRIMARY KEY,
				name        TEXT NOT NULL,
				start_time  TEXT NOT NULL,
				end_time    TEXT,
				duration_ms INTEGER,
				status      TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed')),
				metadata    TEXT NOT NULL DEFAULT '{}'
			);`,
			`CREATE TABLE IF NOT EXISTS steps (
				step_id     TEXT PRIMARY KEY,
				trace_id    TEXT NOT NULL REFERENCES traces(trace_id) ON DELETE CASCADE,
				name        TEXT NOT NULL,
				step_order  INTEGER NOT NULL,
				input       TEXT NOT NULL DEFAULT '{}',
				output      TEXT,
				reasoning   TEXT,
				metadata    TEXT NOT NULL DEFAULT '{}',
				start_time  TEXT NOT NULL,
				end_time    TEXT,
				duration_ms INTEGER,
				status      TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed')),
				error       TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_steps_trace_order ON steps(trace_id, step_order);`,
		},
	},
	{
		version:  2,
		checksum: "dt-v2-2026-03-09-list-indexes",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);`,
			`CREATE INDEX IF NOT EXISTS idx_traces_start_time ON traces(start_time DESC);`,
		},
	},
}

func latestVersion() int {
	return migrations[len(migrations)-1].version
}

// Store is a SQLite-backed xray.Storage.
type Store struct {
	db *sql.DB
}

// DefaultDBPath is used when Open is given an empty path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".decisiontrace", "xray.db")
}

// Open creates or opens the database at path and brings its schema up to
// date. Databases written by a newer build are rejected.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v)
	return v, err
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks the error text for SQLite BUSY (5) or LOCKED (6).
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > latestVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, latestVersion())
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing)
			if err != nil {
				return fmt.Errorf("read schema migration checksum for version %d: %w", m.version, err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
