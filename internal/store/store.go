// Package store provides the on-device SQLite store for reading state.
//
// The store owns canonical local state: reading positions, highlights, bookmarks,
// preferences, the book identifier table, the outbox of pending uploads and the
// diagnostic event log. It runs embedded SQLite (ncruces/go-sqlite3) in WAL mode so
// the dispatcher, listener and reconciler can read while a writer is active.
//
// Architecture:
//   - Database file: <data_dir>/readsync.db
//   - WAL mode: concurrent readers during writes
//   - Schema: meta, books, positions, annotations, preferences, outbox, sync_events
//   - Conditional upserts (ON CONFLICT ... WHERE excluded.timestamp > ...) implement
//     newest-wins merges atomically, so merges never race ordinary local writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done to ensure the WAL is checkpointed.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dataDir, "readsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "file:")
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// busy_timeout must be set on every pooled connection, so it goes in the DSN.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// OpenAndInit opens the database and creates the schema.
func OpenAndInit(ctx context.Context, path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
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

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Local numeric id <-> global identifier lookup
	CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identifier TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		book_id TEXT PRIMARY KEY,
		locator TEXT NOT NULL,
		percentage REAL NOT NULL,
		page_number INTEGER,
		chapter_id TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		device_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS annotations (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,           -- highlight, bookmark
		cloud_id TEXT NOT NULL UNIQUE,
		book_id INTEGER NOT NULL,
		book_identifier TEXT NOT NULL,
		locator TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		style TEXT NOT NULL DEFAULT '',
		tint INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0
	);

	-- Single row, id is always 1
	CREATE TABLE IF NOT EXISTS preferences (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		values_json TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		device_id TEXT NOT NULL DEFAULT ''
	);

	-- Write-ahead queue, one row per (type, key)
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		key TEXT NOT NULL,
		payload BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		UNIQUE (type, key)
	);

	-- Append-only diagnostics
	CREATE TABLE IF NOT EXISTS sync_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_annotations_book ON annotations(book_id, kind, deleted);
	CREATE INDEX IF NOT EXISTS idx_annotations_kind ON annotations(kind);
	CREATE INDEX IF NOT EXISTS idx_outbox_timestamp ON outbox(timestamp, id);
	CREATE INDEX IF NOT EXISTS idx_sync_events_timestamp ON sync_events(timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// GetMeta returns a value from the meta table.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a value in the meta table, replacing any previous value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// SetMetaIfAbsent stores value only if key has no value yet and returns the value
// that ends up stored. Concurrent callers all observe the same winner.
func (db *DB) SetMetaIfAbsent(ctx context.Context, key, value string) (string, error) {
	if _, err := db.conn.ExecContext(ctx, `INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
		return "", fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return db.GetMeta(ctx, key)
}

// nullInt converts an optional int to a nullable SQL value.
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// intPtr converts a nullable SQL value back to an optional int.
func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
