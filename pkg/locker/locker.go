// Package locker binds envelopes to their metadata and drives the secret
// lifecycle: create, open, renew, remove, reconcile, list and export.
//
// A Locker never prompts. When an envelope has no metadata entry, Open
// returns a *NeedsReconciliationError and the caller decides whether to
// call Reconcile.
package locker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/forest6511/locker/pkg/config"
	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/metadata"
)

// Input limits
const (
	MaxNameLength = 255         // bytes
	MaxValueSize  = 1024 * 1024 // 1 MiB
)

// DefaultTTLDays is the lifetime of new and reconciled secrets.
const DefaultTTLDays = config.DefaultTTLDays

// Errors
var (
	ErrSecretExpired     = errors.New("secret expired")
	ErrMetadataMissing   = errors.New("metadata missing")
	ErrEnvelopeNotFound  = errors.New("envelope not found")
	ErrSecretNotFound    = errors.New("secret not found")
	ErrInvalidName       = errors.New("invalid secret name")
	ErrValueTooLarge     = errors.New("value too large")
	ErrNoTarget          = errors.New("no secret name given and all not set")
	ErrInvalidTTL        = errors.New("ttl must not be negative")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// NeedsReconciliationError reports an envelope that has no metadata entry.
type NeedsReconciliationError struct {
	Name string
}

func (e *NeedsReconciliationError) Error() string {
	return fmt.Sprintf("metadata missing for %q: reconcile to manage it", e.Name)
}

func (e *NeedsReconciliationError) Unwrap() error {
	return ErrMetadataMissing
}

// KeyProvider supplies the vault key. It is called once per operation that
// needs the key; the returned slice is wiped after use.
type KeyProvider interface {
	Key() ([]byte, error)
}

// Auditor records operation outcomes. *audit.Logger implements it.
type Auditor interface {
	Keyed() bool
	SetHMACKey(key []byte) error
	Record(op, name string, err error) error
	Rotate() (string, error)
}

// Locker manages the secrets of one vault directory.
type Locker struct {
	paths      config.Paths
	store      metadata.Store
	keys       KeyProvider
	audit      Auditor
	now        func() time.Time
	warn       io.Writer
	defaultTTL int
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

// WithAudit enables the audit trail.
func WithAudit(a Auditor) Option {
	return func(l *Locker) { l.audit = a }
}

// WithWarnings sets where non-fatal problems are reported. The default is
// os.Stderr.
func WithWarnings(w io.Writer) Option {
	return func(l *Locker) {
		if w == nil {
			w = io.Discard
		}
		l.warn = w
	}
}

// WithDefaultTTL sets the lifetime, in days, given to reconciled secrets.
func WithDefaultTTL(days int) Option {
	return func(l *Locker) {
		if days >= 0 {
			l.defaultTTL = days
		}
	}
}

// New returns a Locker for the vault at paths.
func New(paths config.Paths, store metadata.Store, keys KeyProvider, opts ...Option) *Locker {
	l := &Locker{
		paths:      paths,
		store:      store,
		keys:       keys,
		now:        time.Now,
		warn:       os.Stderr,
		defaultTTL: DefaultTTLDays,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Paths returns the vault layout.
func (l *Locker) Paths() config.Paths {
	return l.paths
}

// DefaultTTL returns the configured default lifetime in days.
func (l *Locker) DefaultTTL() int {
	return l.defaultTTL
}

func (l *Locker) warnf(format string, args ...any) {
	fmt.Fprintf(l.warn, "warning: "+format+"\n", args...)
}

// record writes an audit event. Audit problems are warnings only.
func (l *Locker) record(op, name string, opErr error) {
	if l.audit == nil {
		return
	}
	if !l.audit.Keyed() {
		key, err := l.keys.Key()
		if err != nil {
			// Without a key there is no vault to audit yet
			return
		}
		err = l.audit.SetHMACKey(key)
		crypto.SecureWipe(key)
		if err != nil {
			l.warnf("audit disabled: %v", err)
			return
		}
	}
	if err := l.audit.Record(op, name, opErr); err != nil {
		l.warnf("failed to write audit log: %v", err)
	}
}
