package metadata

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/lockerr"
)

// SQLiteStore keeps one row per secret in a SQLite database.
//
// The database is opened lazily: reading a vault that has no database yet
// returns an empty document without creating one. Every mutation runs in a
// BEGIN IMMEDIATE transaction, which takes SQLite's write lock up front.
type SQLiteStore struct {
	path string
	opts options

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore returns a store for the database at path.
func NewSQLiteStore(path string, opts ...Option) *SQLiteStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLiteStore{path: path, opts: o}
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// conn returns the open database, opening and migrating it on first use.
// With create false and no database on disk it returns nil.
func (s *SQLiteStore) conn(create bool) (*sql.DB, error) {
	if s.db != nil {
		return s.db, nil
	}

	exists, err := fsutil.Exists(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}
	if !exists && !create {
		return nil, nil
	}

	dsn := s.path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps transactions from this process serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := os.Chmod(s.path, fsutil.FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	return db, nil
}

// Read returns every entry.
func (s *SQLiteStore) Read() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(false)
	if err != nil {
		return nil, classify("metadata.read", err)
	}
	if db == nil {
		return NewFile(), nil
	}
	f, err := readAll(db)
	if err != nil {
		return nil, classify("metadata.read", err)
	}
	return f, nil
}

// Write replaces every row with the entries of f.
func (s *SQLiteStore) Write(f *File) error {
	return s.Modify(func(cur *File) error {
		cur.Clear()
		for name, m := range f.Secrets {
			m.Name = name
			cur.Secrets[name] = m
		}
		return nil
	})
}

// Update applies mutate to the named entry.
func (s *SQLiteStore) Update(name string, mutate func(*SecretMetadata)) error {
	err := s.Modify(func(f *File) error {
		return updateEntry(f, name, mutate)
	})
	if errors.Is(err, ErrNotFound) {
		return fsErrName("metadata.update", name, err)
	}
	return err
}

// Remove deletes the named entry, or all entries when name is empty.
func (s *SQLiteStore) Remove(name string) error {
	err := s.Modify(func(f *File) error {
		return removeEntry(f, name)
	})
	if errors.Is(err, ErrNotFound) {
		return fsErrName("metadata.remove", name, err)
	}
	return err
}

// Modify runs fn inside an immediate transaction and commits the rows it
// changed. Nothing is written when fn fails.
func (s *SQLiteStore) Modify(fn func(*File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn(true)
	if err != nil {
		return classify("metadata.modify", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return classify("metadata.modify", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	before, err := readAll(tx)
	if err != nil {
		return classify("metadata.modify", err)
	}
	after := &File{SchemaVersion: SchemaVersion, Secrets: make(map[string]SecretMetadata, before.Len())}
	for name, m := range before.Secrets {
		after.Secrets[name] = m
	}

	if err := fn(after); err != nil {
		return err
	}

	if err := writeChanges(tx, before, after); err != nil {
		return classify("metadata.modify", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("metadata.modify", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Close closes the database if it was opened.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func readAll(q querier) (*File, error) {
	rows, err := q.Query(`SELECT name, created_at, expire_at, expired, tags FROM secrets`)
	if err != nil {
		return nil, fmt.Errorf("failed to query secrets: %w", err)
	}
	defer rows.Close()

	f := NewFile()
	for rows.Next() {
		var (
			m       SecretMetadata
			expired int
			tags    string
		)
		if err := rows.Scan(&m.Name, &m.CreatedAt, &m.ExpireAt, &expired, &tags); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		m.Expired = expired != 0
		if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
			return nil, fmt.Errorf("%w: tags of %q: %v", ErrCorrupted, m.Name, err)
		}
		if m.Tags == nil {
			m.Tags = []string{}
		}
		f.Secrets[m.Name] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate secrets: %w", err)
	}
	return f, nil
}

// writeChanges applies the difference between before and after.
func writeChanges(tx *sql.Tx, before, after *File) error {
	for name := range before.Secrets {
		if _, ok := after.Secrets[name]; ok {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM secrets WHERE name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete %q: %w", name, err)
		}
	}

	for name, m := range after.Secrets {
		if old, ok := before.Secrets[name]; ok && equalEntry(old, m) {
			continue
		}
		if m.Tags == nil {
			m.Tags = []string{}
		}
		tags, err := json.Marshal(m.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags of %q: %w", name, err)
		}
		expired := 0
		if m.Expired {
			expired = 1
		}
		_, err = tx.Exec(`
			INSERT INTO secrets (name, created_at, expire_at, expired, tags)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				created_at = excluded.created_at,
				expire_at = excluded.expire_at,
				expired = excluded.expired,
				tags = excluded.tags
		`, name, m.CreatedAt, m.ExpireAt, expired, string(tags))
		if err != nil {
			return fmt.Errorf("failed to write %q: %w", name, err)
		}
	}
	return nil
}

func equalEntry(a, b SecretMetadata) bool {
	if a.CreatedAt != b.CreatedAt || a.ExpireAt != b.ExpireAt || a.Expired != b.Expired || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}

func classify(op string, err error) error {
	if lockerr.KindOf(err) != 0 {
		return err
	}
	return fsErr(op, err)
}
