package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DB holds the sqlite handle shared by the token, subscription and state stores.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &DB{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *DB) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		user_id TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expiry DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_calendars (
		user_id TEXT NOT NULL,
		calendar_id TEXT NOT NULL,
		calendar_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, calendar_id)
	);

	CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *DB) Tokens() *TokenStore {
	return &TokenStore{db: s.db}
}

func (s *DB) Subscriptions() *SubscriptionStore {
	return &SubscriptionStore{db: s.db}
}

func (s *DB) States(opts ...StateOption) *StateStore {
	st := &StateStore{db: s.db, ttl: DefaultStateTTL, now: timeNow}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Close closes the database connection
func (s *DB) Close() error {
	return s.db.Close()
}
