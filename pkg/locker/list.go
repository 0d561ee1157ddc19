package locker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/audit"
	"github.com/forest6511/locker/pkg/lockerr"
	"github.com/forest6511/locker/pkg/metadata"
)

// Status is the human-oriented state of a secret.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// StatusOf derives a status with the same predicate Open uses.
func StatusOf(m *metadata.SecretMetadata, now time.Time) Status {
	if m.IsExpired(now) {
		return StatusExpired
	}
	return StatusActive
}

// Entry is one listed secret.
type Entry struct {
	metadata.SecretMetadata
	Status          Status
	Remaining       time.Duration
	EnvelopePresent bool
}

// ListOptions filters and configures List.
type ListOptions struct {
	// Reconcile adopts unmanaged envelopes before listing.
	Reconcile bool
	// Tag keeps only entries carrying this tag.
	Tag string
	// ExpiringWithin keeps only active entries that expire within this
	// window. Zero disables the filter.
	ExpiringWithin time.Duration
}

// ListResult is the outcome of List.
type ListResult struct {
	// Entries are sorted by name.
	Entries []Entry
	// Unmanaged lists envelopes without metadata. It is empty when
	// Reconcile was requested.
	Unmanaged []string
	// Reconciled lists the names adopted by this call.
	Reconciled []string
}

// List returns every metadata entry with its status. It never writes
// metadata unless opts.Reconcile is set.
func (l *Locker) List(opts ListOptions) (*ListResult, error) {
	result := &ListResult{}

	if opts.Reconcile {
		added, err := l.Reconcile("")
		if err != nil {
			return nil, err
		}
		result.Reconciled = added
	}

	f, err := l.store.Read()
	if err != nil {
		return nil, lockerr.WithName(err, "list", "")
	}

	onDisk, err := l.scanEnvelopes()
	if err != nil {
		return nil, err
	}
	result.Unmanaged = unmanagedIn(f, onDisk)

	now := l.now()
	for _, name := range f.Names() {
		m := f.Secrets[name]
		if opts.Tag != "" && !m.HasTag(opts.Tag) {
			continue
		}
		if opts.ExpiringWithin > 0 && (m.IsExpired(now) || m.Remaining(now) > opts.ExpiringWithin) {
			continue
		}
		present, err := fsutil.Exists(l.paths.Envelope(name))
		if err != nil {
			return nil, lockerr.ForName(lockerr.KindFileSystem, "list", name, err)
		}
		result.Entries = append(result.Entries, Entry{
			SecretMetadata:  m,
			Status:          StatusOf(&m, now),
			Remaining:       m.Remaining(now),
			EnvelopePresent: present,
		})
	}
	return result, nil
}

// Export formats
const (
	FormatEnv = "env"
)

// DecryptCommand is the command placed in exported placeholders.
const DecryptCommand = "locker decrypt -n"

// ExportOptions configures Export.
type ExportOptions struct {
	// Format is the output format. Only "env" is supported.
	Format string
	// Names restricts the export. Empty exports every managed secret.
	Names []string
}

// Export writes a placeholder line per secret. Values are never decrypted:
// each line runs the decrypt command when the file is sourced. It returns
// the number of lines written.
func (l *Locker) Export(w io.Writer, opts ExportOptions) (n int, err error) {
	defer func() { l.record(audit.OpSecretExport, "", err) }()

	format := opts.Format
	if format == "" {
		format = FormatEnv
	}
	if format != FormatEnv {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}

	f, err := l.store.Read()
	if err != nil {
		return 0, lockerr.WithName(err, "export", "")
	}

	names := opts.Names
	if len(names) == 0 {
		names = f.Names()
	}

	bw := bufio.NewWriter(w)
	for _, name := range names {
		if !f.Has(name) {
			return n, lockerr.ForName(lockerr.KindFileSystem, "export", name, ErrSecretNotFound)
		}
		if _, err := fmt.Fprintf(bw, "%s=$(%s %s)\n", EnvName(name), DecryptCommand, shellQuote(name)); err != nil {
			return n, lockerr.New(lockerr.KindFileSystem, "export", err)
		}
		n++
	}
	if err := bw.Flush(); err != nil {
		return n, lockerr.New(lockerr.KindFileSystem, "export", err)
	}
	return n, nil
}

// EnvName maps a secret name to an environment variable name: upper case,
// with every character outside [A-Z0-9_] replaced by '_'. A leading digit
// gets a '_' prefix.
func EnvName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 1)
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		b.WriteByte('_')
	}
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// shellQuote single-quotes s unless it is made only of characters the
// shell leaves alone.
func shellQuote(s string) string {
	safe := true
	for _, r := range s {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '.') {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
