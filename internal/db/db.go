// Package db owns the SQLite storage layer: schema migrations, the
// transaction helper, and the row-level queries the vault engine and
// backup subsystem build on.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/errors"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init initializes the SQLite database at baseDir/keep.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.keep.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Create backups subdirectory
	backupsDir := filepath.Join(baseDir, "backups")
	if err := os.MkdirAll(backupsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backups directory: %w", err)
	}
	_ = os.Chmod(backupsDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "keep.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
// Call after Init if you need to tune pool behavior for contention.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// Querier is the subset of sql.DB/sql.Tx the queries run against, so
// every query can participate in a caller-owned transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction and commits or rolls back as a
// unit. Infrastructure failures (begin, commit, untyped fn errors) map
// to TRANSACTION_FAILED; typed errors from fn pass through unchanged so
// domain failures keep their codes.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewTransaction(err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if _, ok := err.(*errors.VaultError); ok {
			return err
		}
		return errors.NewTransaction(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewTransaction(err)
	}
	return nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS vault_meta (
		  vault_id       TEXT PRIMARY KEY,
		  kdf_salt       BLOB NOT NULL,
		  kdf_iterations INTEGER NOT NULL,
		  wrap_nonce     BLOB NOT NULL,
		  wrapped_key    BLOB NOT NULL,
		  created_at     INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memories (
		  id               TEXT PRIMARY KEY,
		  capsule_id       TEXT NOT NULL UNIQUE,
		  capsule_json     TEXT NOT NULL,
		  content_checksum TEXT NOT NULL,
		  header_checksum  TEXT NOT NULL,
		  created_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_created
		ON memories(created_at DESC);

		CREATE TABLE IF NOT EXISTS blobs (
		  content_hash TEXT PRIMARY KEY,
		  algorithm    TEXT NOT NULL,
		  nonce        TEXT NOT NULL,
		  aad_hash     TEXT NOT NULL,
		  data         BLOB NOT NULL,
		  size_bytes   INTEGER NOT NULL,
		  created_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS attachments (
		  id           TEXT PRIMARY KEY,
		  memory_id    TEXT NOT NULL REFERENCES memories(id),
		  name         TEXT NOT NULL,
		  media_type   TEXT NOT NULL,
		  content_hash TEXT NOT NULL REFERENCES blobs(content_hash),
		  size_bytes   INTEGER NOT NULL,
		  created_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_memory
		ON attachments(memory_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_attachments_hash
		ON attachments(content_hash);

		CREATE TABLE IF NOT EXISTS events (
		  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		  id             TEXT NOT NULL UNIQUE,
		  type           TEXT NOT NULL,
		  timestamp      TEXT NOT NULL,
		  hlc            TEXT NOT NULL,
		  actor          TEXT NOT NULL,
		  capsule_id     TEXT,
		  previous_event TEXT,
		  payload        TEXT NOT NULL,
		  signature      TEXT,
		  hash           TEXT NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
