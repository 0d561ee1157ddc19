package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/lockerr"
)

// JSONStore keeps the metadata document in a single JSON file.
//
// Mutations hold an in-process mutex and an exclusive advisory lock on a
// sibling lock file. The document itself is replaced by atomic rename, so
// Read needs neither.
type JSONStore struct {
	path     string
	lockPath string
	opts     options
	mu       sync.Mutex
}

// NewJSONStore returns a store for the document at path, locking lockPath.
func NewJSONStore(path, lockPath string, opts ...Option) *JSONStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONStore{path: path, lockPath: lockPath, opts: o}
}

// Path returns the document location.
func (s *JSONStore) Path() string {
	return s.path
}

// Read returns the current document. A missing file yields an empty document.
func (s *JSONStore) Read() (*File, error) {
	return s.load()
}

// Write replaces the whole document.
func (s *JSONStore) Write(f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := fsutil.WithFileLock(s.lockPath, func() error {
		return s.store(f)
	})
	if err != nil && lockerr.KindOf(err) == 0 {
		return fsErr("metadata.write", err)
	}
	return err
}

// Update applies mutate to the named entry.
func (s *JSONStore) Update(name string, mutate func(*SecretMetadata)) error {
	err := s.Modify(func(f *File) error {
		return updateEntry(f, name, mutate)
	})
	if errors.Is(err, ErrNotFound) {
		return fsErrName("metadata.update", name, err)
	}
	return err
}

// Remove deletes the named entry, or all entries when name is empty.
func (s *JSONStore) Remove(name string) error {
	err := s.Modify(func(f *File) error {
		return removeEntry(f, name)
	})
	if errors.Is(err, ErrNotFound) {
		return fsErrName("metadata.remove", name, err)
	}
	return err
}

// Modify runs fn on the current document under both locks and writes the
// result back if fn succeeds.
func (s *JSONStore) Modify(fn func(*File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fnErr error
	err := fsutil.WithFileLock(s.lockPath, func() error {
		f, err := s.load()
		if err != nil {
			return err
		}
		if fnErr = fn(f); fnErr != nil {
			return nil
		}
		return s.store(f)
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil && lockerr.KindOf(err) == 0 {
		return fsErr("metadata.modify", err)
	}
	return err
}

// Close is a no-op; the store holds no open handles between calls.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) load() (*File, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewFile(), nil
		}
		return nil, fsErr("metadata.read", fmt.Errorf("failed to read metadata: %w", err))
	}
	f, err := decodeFile(data, s.opts)
	if err != nil {
		return nil, fsErr("metadata.read", err)
	}
	return f, nil
}

func (s *JSONStore) store(f *File) error {
	data, err := encodeFile(f)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, data, fsutil.FileMode); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func decodeFile(data []byte, o options) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	warnings, err := f.normalize()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		o.warnf("%s", w)
	}
	return &f, nil
}

func encodeFile(f *File) ([]byte, error) {
	out := NewFile()
	for name, m := range f.Secrets {
		m.Name = name
		if m.Tags == nil {
			m.Tags = []string{}
		}
		out.Secrets[name] = m
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return append(data, '\n'), nil
}
