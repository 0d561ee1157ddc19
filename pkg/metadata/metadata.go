// Package metadata persists the lifecycle record of every secret.
//
// The index maps a secret name to its creation time, expiration and tags.
// Two backends implement Store: a single JSON document guarded by an
// advisory file lock (the default), and a SQLite database.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// SchemaVersion is the current layout of the metadata document.
// Version 0 is the legacy layout without a schema_version field.
const SchemaVersion = 1

// SecondsPerDay converts TTL days to epoch seconds.
const SecondsPerDay = 24 * 60 * 60

var (
	// ErrNotFound indicates the named entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted indicates the metadata document could not be parsed.
	ErrCorrupted = errors.New("metadata: document is corrupted")

	// ErrUnsupportedSchema indicates a document written by a newer version.
	ErrUnsupportedSchema = errors.New("metadata: unsupported schema version")
)

// SecretMetadata is the lifecycle record of one secret.
// Times are epoch seconds.
type SecretMetadata struct {
	Name      string   `json:"name"`
	CreatedAt int64    `json:"created_at"`
	ExpireAt  int64    `json:"expire_at"`
	Expired   bool     `json:"expired"`
	Tags      []string `json:"tags"`
}

// New returns an active record created at now and expiring ttlDays later.
func New(name string, tags []string, ttlDays int, now time.Time) SecretMetadata {
	if tags == nil {
		tags = []string{}
	}
	created := now.Unix()
	return SecretMetadata{
		Name:      name,
		CreatedAt: created,
		ExpireAt:  created + int64(ttlDays)*SecondsPerDay,
		Expired:   false,
		Tags:      tags,
	}
}

// IsExpired is the single expiration predicate used by every caller.
// A secret whose expire_at has been reached is expired, as is one already
// flagged.
func (m *SecretMetadata) IsExpired(now time.Time) bool {
	return m.Expired || now.Unix() >= m.ExpireAt
}

// Renew makes the record active again, expiring days after now.
func (m *SecretMetadata) Renew(days int, now time.Time) {
	m.ExpireAt = now.Unix() + int64(days)*SecondsPerDay
	m.Expired = false
}

// Remaining returns the time left before expiration, or 0 once expired.
func (m *SecretMetadata) Remaining(now time.Time) time.Duration {
	if m.IsExpired(now) {
		return 0
	}
	return time.Unix(m.ExpireAt, 0).Sub(now)
}

// CreatedTime returns created_at as a time.Time.
func (m *SecretMetadata) CreatedTime() time.Time { return time.Unix(m.CreatedAt, 0) }

// ExpireTime returns expire_at as a time.Time.
func (m *SecretMetadata) ExpireTime() time.Time { return time.Unix(m.ExpireAt, 0) }

// HasTag reports whether tag is among the record's tags.
func (m *SecretMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// File is the whole metadata document.
type File struct {
	SchemaVersion int                       `json:"schema_version"`
	Secrets       map[string]SecretMetadata `json:"secrets"`
}

// NewFile returns an empty document at the current schema.
func NewFile() *File {
	return &File{
		SchemaVersion: SchemaVersion,
		Secrets:       make(map[string]SecretMetadata),
	}
}

// Get returns the named entry.
func (f *File) Get(name string) (SecretMetadata, bool) {
	m, ok := f.Secrets[name]
	return m, ok
}

// Has reports whether the named entry exists.
func (f *File) Has(name string) bool {
	_, ok := f.Secrets[name]
	return ok
}

// Put inserts or replaces the entry under m.Name.
func (f *File) Put(m SecretMetadata) {
	if f.Secrets == nil {
		f.Secrets = make(map[string]SecretMetadata)
	}
	f.Secrets[m.Name] = m
}

// Delete removes the named entry and reports whether it existed.
func (f *File) Delete(name string) bool {
	if _, ok := f.Secrets[name]; !ok {
		return false
	}
	delete(f.Secrets, name)
	return true
}

// Clear removes every entry.
func (f *File) Clear() {
	f.Secrets = make(map[string]SecretMetadata)
}

// Len returns the number of entries.
func (f *File) Len() int {
	return len(f.Secrets)
}

// Names returns the entry names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Secrets))
	for name := range f.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// normalize brings a decoded document to the current schema and restores
// name == key. It returns one warning per repaired entry.
func (f *File) normalize() ([]string, error) {
	if f.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: %d (max supported %d)", ErrUnsupportedSchema, f.SchemaVersion, SchemaVersion)
	}
	if f.Secrets == nil {
		f.Secrets = make(map[string]SecretMetadata)
	}

	var warnings []string
	for key, m := range f.Secrets {
		changed := false
		if m.Name != key {
			if m.Name != "" {
				warnings = append(warnings, fmt.Sprintf("metadata entry %q carried name %q, using %q", key, m.Name, key))
			}
			m.Name = key
			changed = true
		}
		if m.Tags == nil {
			m.Tags = []string{}
			changed = true
		}
		if changed {
			f.Secrets[key] = m
		}
	}

	// Schema 0 differs from schema 1 only by the missing version field.
	f.SchemaVersion = SchemaVersion
	return warnings, nil
}

func updateEntry(f *File, name string, mutate func(*SecretMetadata)) error {
	m, ok := f.Secrets[name]
	if !ok {
		return ErrNotFound
	}
	mutate(&m)
	m.Name = name
	f.Secrets[name] = m
	return nil
}

func removeEntry(f *File, name string) error {
	if name == "" {
		f.Clear()
		return nil
	}
	if !f.Delete(name) {
		return ErrNotFound
	}
	return nil
}
