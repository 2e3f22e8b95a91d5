// Package storage opens the backing stores used by the orchestrator: the
// SQLite archive database and the optional Redis connection shared by the
// cache store and the broadcast publisher.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Executions finish concurrently; one connection serialises writers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the unit archive tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS unit_log (
  id            TEXT PRIMARY KEY,
  capability    TEXT NOT NULL,
  kind          TEXT NOT NULL,
  priority      TEXT NOT NULL,
  state         TEXT NOT NULL,
  payload       JSON,
  result        JSON,
  last_error    TEXT,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts  INTEGER NOT NULL,
  worker_id     TEXT,
  cache_hit     INTEGER NOT NULL DEFAULT 0,
  created_at    TEXT NOT NULL,
  assigned_at   TEXT,
  completed_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS unit_log_completed_at_idx ON unit_log(completed_at);`,
		`CREATE INDEX IF NOT EXISTS unit_log_capability_state_idx ON unit_log(capability, state);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
