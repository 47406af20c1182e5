// Package mirror provides the local SQLite read-model that shadows the
// source-of-truth task and epic tables.
//
// The database runs embedded with WAL mode so dashboard readers can query
// concurrently while the change listener and reconciler write. Rows are
// keyed by the source's integer identifiers; the mirror never invents its
// own identifiers or timestamps.
//
// Quarantine state lives here as a nullable quarantined_at column rather
// than being inferred from absence. A quarantined row is still a mirror
// row: readers keep seeing it until the drift reconciler decides it has
// been gone from the source for longer than the quarantine window.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with mirror-specific operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a mirror database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the mirror schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS epics (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		origin TEXT,
		status TEXT NOT NULL,
		deadline TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		metadata TEXT,
		quarantined_at TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		due_at TEXT,
		remind_at TEXT,
		execute_at TEXT,
		auto_executable INTEGER NOT NULL DEFAULT 0,
		plan TEXT,
		depends_on TEXT,  -- JSON array of task ids, order preserved
		completed_at TEXT,
		outcome TEXT,
		metadata TEXT,  -- JSON
		epic_id INTEGER REFERENCES epics(id),
		parent_id INTEGER,
		assignee TEXT,
		origin TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		quarantined_at TEXT
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER,
		status TEXT NOT NULL DEFAULT 'running',
		external_status TEXT NOT NULL DEFAULT 'running',
		detail TEXT,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_epic ON tasks(epic_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_quarantined ON tasks(quarantined_at);
	CREATE INDEX IF NOT EXISTS idx_epics_quarantined ON epics(quarantined_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// formatTime renders a required timestamp column. RFC3339 in UTC keeps
// string comparison in SQL consistent with time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime reads a required timestamp column.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
