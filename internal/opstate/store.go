// Package opstate provides a namespaced key-value store for small
// pieces of state that must survive restarts: the saved provider
// configuration, the last alert time, engine load bookkeeping. Anything
// with real structure deserves its own schema.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database and creates the schema. The
// store takes ownership of db; Close closes it.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Get returns the stored value, or "" when the key does not exist.
func (s *Store) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a value.
func (s *Store) Set(namespace, key, value string) error {
	if _, err := s.db.Exec(upsertSQL, namespace, key, value, s.stamp()); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

const upsertSQL = `INSERT INTO operational_state (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (namespace, key) DO UPDATE
	SET value = excluded.value, updated_at = excluded.updated_at`

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all key/value pairs in a namespace. The map is never nil.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Replace atomically swaps the whole namespace for record. Keys absent
// from record are removed, so a flat record round-trips exactly.
func (s *Store) Replace(namespace string, record map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace %s: %w", namespace, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(`DELETE FROM operational_state WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("replace %s: %w", namespace, err)
	}
	stamp := s.stamp()
	for k, v := range record {
		if _, err := tx.Exec(upsertSQL, namespace, k, v, stamp); err != nil {
			return fmt.Errorf("replace %s/%s: %w", namespace, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace %s: %w", namespace, err)
	}
	return nil
}

// GetTime reads a value stored with SetTime. The zero time is returned
// for missing keys.
func (s *Store) GetTime(namespace, key string) (time.Time, error) {
	v, err := s.Get(namespace, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s/%s: %w", namespace, key, err)
	}
	return t, nil
}

// SetTime stores t in RFC 3339 form.
func (s *Store) SetTime(namespace, key string, t time.Time) error {
	return s.Set(namespace, key, t.UTC().Format(time.RFC3339Nano))
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
