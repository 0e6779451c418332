// Package store is the single-writer embedded relational store for
// projects, secrets, workers, and operator tokens. It wraps a SQLite
// database opened in WAL mode with a migration ledger, and serializes
// writes behind the driver's single connection rather than an
// application-level mutex.
package store

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/exla-ai/synv2/internal/apierr"
)

const (
	schemaVersion  = 1
	schemaChecksum = "synv2-v1-fleet-schema"
)

// Store is the durable mapping of Project/Secret/Worker/Token rows.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default on-disk location under the operator's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".synv2", "fleet.db")
}

// Open opens (creating if needed) the SQLite database at path, configures
// WAL journaling and foreign keys, and applies the schema migration ledger.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "create store directory")
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "open sqlite3")
	}
	// A single writer connection matches the single-writer discipline this
	// store commits to: SQLite serializes writers regardless, and holding
	// more than one open connection only invites spurious SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return apierr.Wrap(apierr.KindFatalInit, err, "configure store pragma")
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "begin migration")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "create schema_migrations")
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "read migration ledger")
	}
	if maxVersion > schemaVersion {
		return apierr.New(apierr.KindFatalInit, fmt.Sprintf("store schema v%d is newer than supported v%d", maxVersion, schemaVersion))
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return apierr.Wrap(apierr.KindFatalInit, err, "read migration checksum")
		}
		if checksum != schemaChecksum {
			return apierr.New(apierr.KindFatalInit, fmt.Sprintf("store schema checksum mismatch: got %q want %q", checksum, schemaChecksum))
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('creating','provisioning','bootstrapping','running','stopped','resizing','error','terminated')),
			llm_credential_ciphertext TEXT NOT NULL DEFAULT '',
			extra_env_ciphertext TEXT NOT NULL DEFAULT '',
			mcp_servers_json TEXT NOT NULL DEFAULT '[]',
			instance_type TEXT,
			worker_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS secrets (
			project_name TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
			key TEXT NOT NULL,
			value_ciphertext TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (project_name, key)
		);`,
		`CREATE TABLE IF NOT EXISTS workers (
			instance_id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL UNIQUE REFERENCES projects(name) ON DELETE CASCADE,
			instance_type TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			availability_zone TEXT NOT NULL DEFAULT '',
			private_ip TEXT NOT NULL DEFAULT '',
			public_ip TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('provisioning','bootstrapping','ready','stopping','terminated','error')),
			worker_token_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token_hash TEXT PRIMARY KEY,
			principal TEXT NOT NULL DEFAULT 'operator',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_project ON workers(project_name);`,
		`CREATE INDEX IF NOT EXISTS idx_secrets_project ON secrets(project_name);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return apierr.Wrap(apierr.KindFatalInit, err, "apply store migration")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return apierr.Wrap(apierr.KindFatalInit, err, "record migration ledger")
	}

	return tx.Commit()
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, backing off
// exponentially with jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
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

// NewWorkerToken generates a random 256-bit worker token and its SHA-256
// hash for storage; only the hash is persisted.
func NewWorkerToken() (plaintext string, err error) {
	buf := make([]byte, 32)
	if _, err := crand.Read(buf); err != nil {
		return "", apierr.Wrap(apierr.KindFatalInit, err, "generating worker token")
	}
	return hex.EncodeToString(buf), nil
}

func newID() string { return uuid.NewString() }

var errNotFound = errors.New("store: not found")
