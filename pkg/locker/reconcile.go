package locker

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/forest6511/locker/pkg/audit"
	"github.com/forest6511/locker/pkg/config"
	"github.com/forest6511/locker/pkg/envelope"
	"github.com/forest6511/locker/pkg/lockerr"
	"github.com/forest6511/locker/pkg/metadata"
)

// Reconcile adopts envelopes that have no metadata entry and returns the
// names it added. With a name, only that envelope is considered.
//
// Adopted entries get created_at = now, since the real creation time is
// not recoverable, the default TTL and no tags. Envelopes that already
// have an entry are left alone, so repeated calls are no-ops.
func (l *Locker) Reconcile(name string) (added []string, err error) {
	var candidates []string
	if name != "" {
		name, err = NormalizeName(name)
		if err != nil {
			return nil, err
		}
		if err := l.checkEnvelope(name); err != nil {
			l.record(audit.OpSecretReconcile, name, err)
			return nil, err
		}
		candidates = []string{name}
	} else {
		candidates, err = l.scanEnvelopes()
		if err != nil {
			return nil, err
		}
	}

	now := l.now()
	err = l.store.Modify(func(f *metadata.File) error {
		for _, n := range candidates {
			if f.Has(n) {
				continue
			}
			f.Put(metadata.New(n, nil, l.defaultTTL, now))
			added = append(added, n)
		}
		if len(added) == 0 {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		l.record(audit.OpSecretReconcile, name, err)
		return nil, lockerr.WithName(err, "reconcile", name)
	}

	for _, n := range added {
		l.record(audit.OpSecretReconcile, n, nil)
	}
	return added, nil
}

// Unmanaged returns the envelopes on disk that have no metadata entry.
func (l *Locker) Unmanaged() ([]string, error) {
	names, err := l.scanEnvelopes()
	if err != nil {
		return nil, err
	}
	f, err := l.store.Read()
	if err != nil {
		return nil, err
	}
	return unmanagedIn(f, names), nil
}

func unmanagedIn(f *metadata.File, names []string) []string {
	var out []string
	for _, n := range names {
		if !f.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// checkEnvelope verifies that the named envelope exists and carries the
// envelope signature.
func (l *Locker) checkEnvelope(name string) error {
	ok, err := sniffFile(l.paths.Envelope(name))
	if errors.Is(err, fs.ErrNotExist) {
		return lockerr.ForName(lockerr.KindFileSystem, "reconcile", name, ErrEnvelopeNotFound)
	}
	if err != nil {
		return lockerr.ForName(lockerr.KindFileSystem, "reconcile", name, err)
	}
	if !ok {
		return lockerr.ForName(lockerr.KindDecryption, "reconcile", name, envelope.ErrFormatMismatch)
	}
	return nil
}

// scanEnvelopes lists the stems of *.slock files in the vault directory
// that carry the envelope signature, sorted. A missing directory holds no
// envelopes.
func (l *Locker) scanEnvelopes() ([]string, error) {
	entries, err := os.ReadDir(l.paths.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, lockerr.New(lockerr.KindFileSystem, "scan", err)
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		stem, ok := config.NameFromEnvelope(e.Name())
		if !ok {
			continue
		}
		name, err := NormalizeName(stem)
		if err != nil || name != stem {
			l.warnf("skipping %s: %v", e.Name(), ErrInvalidName)
			continue
		}
		isEnvelope, err := sniffFile(l.paths.Envelope(name))
		if err != nil {
			l.warnf("skipping %s: %v", e.Name(), err)
			continue
		}
		if !isEnvelope {
			l.warnf("skipping %s: not a locker envelope", e.Name())
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// sniffFile reads just the envelope header of path.
func sniffFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	header := make([]byte, envelope.HeaderLength)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	_, ok := envelope.Sniff(header)
	return ok, nil
}
