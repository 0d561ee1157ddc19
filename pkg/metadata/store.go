package metadata

import (
	"fmt"
	"io"
	"os"

	"github.com/forest6511/locker/pkg/config"
	"github.com/forest6511/locker/pkg/lockerr"
)

// Store persists the metadata document.
//
// Every read-modify-write must go through Modify so that concurrent
// callers, in-process or not, never lose each other's updates.
type Store interface {
	// Read returns the current document. A missing document is empty.
	Read() (*File, error)

	// Write replaces the whole document.
	Write(f *File) error

	// Update applies mutate to the named entry and persists the document.
	Update(name string, mutate func(*SecretMetadata)) error

	// Remove deletes the named entry, or every entry when name is empty.
	Remove(name string) error

	// Modify reads the document, calls fn and persists the result unless
	// fn returns an error. Errors from fn are returned unchanged.
	Modify(fn func(*File) error) error

	// Close releases resources held by the store.
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	warn io.Writer
}

func defaultOptions() options {
	return options{warn: os.Stderr}
}

// WithWarnings sets where repaired-entry warnings are written.
// The default is os.Stderr.
func WithWarnings(w io.Writer) Option {
	return func(o *options) {
		if w == nil {
			w = io.Discard
		}
		o.warn = w
	}
}

// Open returns the store selected by backend for the vault at paths.
func Open(backend string, paths config.Paths, opts ...Option) (Store, error) {
	switch backend {
	case "", config.BackendJSON:
		return NewJSONStore(paths.MetadataFile(), paths.LockFile(), opts...), nil
	case config.BackendSQLite:
		return NewSQLiteStore(paths.MetadataDB(), opts...), nil
	default:
		return nil, lockerr.New(lockerr.KindFileSystem, "metadata.open",
			fmt.Errorf("%w: %q", config.ErrUnknownBackend, backend))
	}
}

func (o options) warnf(format string, args ...any) {
	fmt.Fprintf(o.warn, "warning: "+format+"\n", args...)
}

func fsErr(op string, err error) error {
	return lockerr.New(lockerr.KindFileSystem, op, err)
}

func fsErrName(op, name string, err error) error {
	return lockerr.ForName(lockerr.KindFileSystem, op, name, err)
}
