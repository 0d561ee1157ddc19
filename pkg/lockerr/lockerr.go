// Package lockerr defines the error kinds shared by every locker component.
//
// Each failure is a *Error carrying a Kind and the detail error it wraps.
// Callers match either the kind or the detail:
//
//	if errors.Is(err, lockerr.Decryption) { ... }
//	if errors.Is(err, envelope.ErrAuthenticationFailed) { ... }
package lockerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindFileSystem covers I/O, missing files or directories, permissions
	// and (de)serialization of on-disk documents.
	KindFileSystem Kind = iota + 1
	// KindEncryption covers compression and sealing failures and invalid
	// keys at write time.
	KindEncryption
	// KindDecryption covers format, version, authentication and
	// decompression failures as well as expired or unmanaged secrets.
	KindDecryption
	// KindInitialization covers vault bootstrap failures.
	KindInitialization
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindFileSystem:
		return "file system"
	case KindEncryption:
		return "encryption"
	case KindDecryption:
		return "decryption"
	case KindInitialization:
		return "initialization"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind   // Failure class
	Op   string // Operation that failed (e.g. "open", "metadata.write")
	Name string // Secret name, if any
	Err  error  // Detail error
}

// Kind targets usable with errors.Is.
var (
	FileSystem     = &Error{Kind: KindFileSystem}
	Encryption     = &Error{Kind: KindEncryption}
	Decryption     = &Error{Kind: KindDecryption}
	Initialization = &Error{Kind: KindInitialization}
)

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ForName returns a classified error for the named secret.
func ForName(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Name != "" {
		msg += fmt.Sprintf(" %q", e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare kind target with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Name == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// WithName returns err re-labelled with op and name, keeping its kind and
// detail. Errors without a kind are returned unchanged.
func WithName(err error, op, name string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	return &Error{Kind: e.Kind, Op: op, Name: name, Err: e.Err}
}
