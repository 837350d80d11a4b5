// Package db persists the client's session record in a local SQLite
// database. The store is a durable cell holding at most one session;
// it performs no validation and no network calls.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/healthmon/healthchat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS session (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    user_id INTEGER NOT NULL,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the session database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create session db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session db: %w", err)
	}

	return &Store{db: db}, nil
}

// Save persists the session, replacing any previously stored one.
func (s *Store) Save(session *models.Session) error {
	query := `
        INSERT INTO session (id, user_id, username, password, created_at)
        VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(id) DO UPDATE SET
            user_id = excluded.user_id,
            username = excluded.username,
            password = excluded.password,
            created_at = excluded.created_at`

	if _, err := s.db.Exec(query, session.UserID, session.Credentials.Username, session.Credentials.Password); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the persisted session, or (nil, nil) when none exists.
func (s *Store) Load() (*models.Session, error) {
	query := `SELECT user_id, username, password FROM session WHERE id = 1`

	var session models.Session
	err := s.db.QueryRow(query).Scan(
		&session.UserID,
		&session.Credentials.Username,
		&session.Credentials.Password,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}

// Clear removes the persisted session. Clearing an empty store is not
// an error.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
