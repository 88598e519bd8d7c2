// Package storage persists pairing credentials on the host in SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/thp/pkg/crypto"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPassword = errors.New("invalid password")
)

// CredentialDB stores pairing credentials, one per device static key. Host
// static private keys are encrypted with a key derived from a password.
type CredentialDB struct {
	db            *sql.DB
	backend       crypto.Backend
	encryptionKey crypto.Key // Derived from user password
}

// NewCredentialDB opens or creates a credential database
func NewCredentialDB(dbPath string, password string, b crypto.Backend) (*CredentialDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	cdb := &CredentialDB{
		db:            db,
		backend:       b,
		encryptionKey: crypto.DeriveStorageKey(password),
	}

	if err := cdb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return cdb, nil
}

// initSchema creates database tables
func (db *CredentialDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		device_static_key BLOB PRIMARY KEY,
		host_static_key BLOB NOT NULL,
		credential BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		last_used INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_credentials_last_used ON credentials(last_used DESC);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *CredentialDB) Close() error {
	return db.db.Close()
}
