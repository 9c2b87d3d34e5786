// Package kvstore provides a durable key-value preference store backed by
// SQLite. Every write goes straight to disk so counts and cached state
// survive process termination.
package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned when the underlying store cannot be reached.
// Callers recover by falling back to in-memory defaults, never by crashing.
var ErrUnavailable = errors.New("preference store unavailable")

// DefaultFileName is the preference database filename inside the data dir.
const DefaultFileName = "preferences.db"

// Store is a durable string key-value store.
// Calls are serialized by SQLite's single-writer connection; no cross-process
// locking is provided (single active UI process).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the preference store at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create preference directory: %w", err)
	}

	// WAL mode for durability without blocking readers.
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open preference database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize preference schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Preference store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the value for key. Missing keys return ("", false, nil).
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, key, err)
	}
	return value, true, nil
}

// Set writes key=value, replacing any existing value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// GetInt returns the integer value for key, 0 if absent.
// Corrupt values are treated as 0 and logged rather than propagated.
func (s *Store) GetInt(key string) (int, error) {
	raw, ok, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Corrupt integer preference, treating as 0")
		return 0, nil
	}
	return n, nil
}

// Increment atomically adds 1 to the integer stored at key, creating it at 1
// if absent, and returns the new value. The whole operation is a single
// statement so a crash can never observe a half-applied count.
func (s *Store) Increment(key string) (int, error) {
	_, err := s.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, '1')
		ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)`, key)
	if err != nil {
		return 0, fmt.Errorf("%w: increment %q: %v", ErrUnavailable, key, err)
	}
	return s.GetInt(key)
}

// KeysWithPrefix returns all keys starting with prefix.
func (s *Store) KeysWithPrefix(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM preferences WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: list keys %q: %v", ErrUnavailable, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan key: %v", ErrUnavailable, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate keys: %v", ErrUnavailable, err)
	}
	return keys, nil
}

// DeleteWithPrefix removes all keys starting with prefix.
func (s *Store) DeleteWithPrefix(prefix string) error {
	if _, err := s.db.Exec(`DELETE FROM preferences WHERE key LIKE ?`, prefix+"%"); err != nil {
		return fmt.Errorf("%w: delete prefix %q: %v", ErrUnavailable, prefix, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
