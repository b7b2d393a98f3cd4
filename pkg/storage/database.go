// Package storage persists node identities and known peers in SQLite
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidAddress = errors.New("invalid peer address")
	ErrInvalidSeed    = errors.New("invalid seed")
)

// DB is the node database. Keys and peers live in separate tables of one
// SQLite file.
type DB struct {
	db *sql.DB
}

// Open opens or creates the database at path. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// :memory: databases exist per connection
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	ndb := &DB{db: db}
	if err := ndb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return ndb, nil
}

// initSchema creates database tables
func (db *DB) initSchema() error {
	schema := `
	-- Identities, stored as raw 32-byte Ed25519 seeds
	CREATE TABLE IF NOT EXISTS keys (
		name TEXT PRIMARY KEY,
		seed BLOB NOT NULL,
		key_id TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Known peers
	CREATE TABLE IF NOT EXISTS peers (
		key_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		address TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL DEFAULT 0,
		is_blocked INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen DESC);
	`

	if _, err := db.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// KeyStore returns the identity store
func (db *DB) KeyStore() *KeyStore {
	return &KeyStore{db: db.db}
}

// PeerBook returns the peer address book
func (db *DB) PeerBook() *PeerBook {
	return &PeerBook{db: db.db}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.db.Close()
}
