package locker

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/audit"
	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/envelope"
	"github.com/forest6511/locker/pkg/lockerr"
	"github.com/forest6511/locker/pkg/metadata"
)

// Create encrypts plaintext into <name>.slock and records its metadata.
// An existing secret of the same name is replaced.
func (l *Locker) Create(name string, plaintext []byte, tags []string, ttlDays int) (err error) {
	name, err = NormalizeName(name)
	if err != nil {
		return err
	}
	defer func() { l.record(audit.OpSecretCreate, name, err) }()

	if ttlDays < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTTL, ttlDays)
	}
	if err := validateValue(plaintext); err != nil {
		return err
	}

	key, err := l.keys.Key()
	if err != nil {
		return lockerr.WithName(err, "create", name)
	}
	defer crypto.SecureWipe(key)

	data, err := envelope.Encode(plaintext, key)
	if err != nil {
		return lockerr.WithName(err, "create", name)
	}

	// The envelope goes first: a crash in between leaves an unmanaged
	// envelope that Reconcile can adopt, never an entry without data.
	if err := fsutil.WriteFileAtomic(l.paths.Envelope(name), data, fsutil.FileMode); err != nil {
		return lockerr.ForName(lockerr.KindFileSystem, "create", name, err)
	}

	entry := metadata.New(name, cleanTags(tags), ttlDays, l.now())
	err = l.store.Modify(func(f *metadata.File) error {
		f.Put(entry)
		return nil
	})
	if err != nil {
		return lockerr.WithName(err, "create", name)
	}
	return nil
}

// Open returns the plaintext of a managed, unexpired secret.
//
// The envelope must exist and have a metadata entry. A file without an entry
// is reported as needing reconciliation only if it carries the envelope
// signature. An expired secret is flagged in metadata and never decoded.
func (l *Locker) Open(name string) (plaintext []byte, err error) {
	name, err = NormalizeName(name)
	if err != nil {
		return nil, err
	}
	defer func() { l.record(audit.OpSecretOpen, name, err) }()

	path := l.paths.Envelope(name)
	exists, err := fsutil.Exists(path)
	if err != nil {
		return nil, lockerr.ForName(lockerr.KindFileSystem, "open", name, err)
	}
	if !exists {
		return nil, lockerr.ForName(lockerr.KindFileSystem, "open", name, ErrEnvelopeNotFound)
	}

	f, err := l.store.Read()
	if err != nil {
		return nil, lockerr.WithName(err, "open", name)
	}
	entry, ok := f.Get(name)
	if !ok {
		// Only a real envelope can be reconciled.
		isEnvelope, err := sniffFile(path)
		if err != nil {
			return nil, lockerr.ForName(lockerr.KindFileSystem, "open", name, err)
		}
		if !isEnvelope {
			return nil, lockerr.ForName(lockerr.KindDecryption, "open", name, envelope.ErrFormatMismatch)
		}
		return nil, lockerr.ForName(lockerr.KindDecryption, "open", name, &NeedsReconciliationError{Name: name})
	}

	now := l.now()
	if entry.IsExpired(now) {
		if !entry.Expired {
			l.markExpired(name)
		}
		return nil, lockerr.ForName(lockerr.KindDecryption, "open", name, ErrSecretExpired)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, lockerr.ForName(lockerr.KindFileSystem, "open", name, err)
	}

	key, err := l.keys.Key()
	if err != nil {
		return nil, lockerr.WithName(err, "open", name)
	}
	defer crypto.SecureWipe(key)

	plaintext, err = envelope.Decode(data, key)
	if err != nil {
		return nil, lockerr.WithName(err, "open", name)
	}
	return plaintext, nil
}

// markExpired persists expired=true. The entry is re-checked inside the
// transaction so a concurrent Renew is not undone.
func (l *Locker) markExpired(name string) {
	err := l.store.Modify(func(f *metadata.File) error {
		entry, ok := f.Get(name)
		if !ok || entry.Expired || !entry.IsExpired(l.now()) {
			return errUnchanged
		}
		entry.Expired = true
		f.Put(entry)
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		l.warnf("failed to record expiry of %q: %v", name, err)
	}
}

// errUnchanged aborts a Modify whose function found nothing to write.
var errUnchanged = errors.New("unchanged")

// Renew makes a secret active again, expiring extraDays from now.
func (l *Locker) Renew(name string, extraDays int) (err error) {
	name, err = NormalizeName(name)
	if err != nil {
		return err
	}
	defer func() { l.record(audit.OpSecretRenew, name, err) }()

	if extraDays < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTTL, extraDays)
	}

	now := l.now()
	err = l.store.Update(name, func(m *metadata.SecretMetadata) {
		m.Renew(extraDays, now)
	})
	if err != nil {
		return lockerr.WithName(err, "renew", name)
	}
	return nil
}

// RemoveReport describes what Remove did.
type RemoveReport struct {
	// Removed lists secrets whose envelope was deleted.
	Removed []string
	// MissingEnvelopes lists names that had metadata but no envelope.
	MissingEnvelopes []string
	// MissingMetadata lists names whose envelope had no metadata entry.
	MissingMetadata []string
	// Failed maps names to envelope deletions that failed without
	// aborting the removal.
	Failed map[string]error
}

// Remove deletes one secret, or every secret known to metadata when all is
// set. Missing halves are reported, not fatal.
func (l *Locker) Remove(name string, all bool) (report *RemoveReport, err error) {
	if all {
		defer func() { l.record(audit.OpSecretRemove, "", err) }()
		return l.removeAll()
	}
	if name == "" {
		return nil, ErrNoTarget
	}

	name, err = NormalizeName(name)
	if err != nil {
		return nil, err
	}
	defer func() { l.record(audit.OpSecretRemove, name, err) }()
	return l.removeOne(name)
}

func (l *Locker) removeOne(name string) (*RemoveReport, error) {
	report := &RemoveReport{}

	err := l.store.Modify(func(f *metadata.File) error {
		deleted, err := fsutil.RemoveIfExists(l.paths.Envelope(name))
		if err != nil {
			return lockerr.ForName(lockerr.KindFileSystem, "remove", name, err)
		}
		hadEntry := f.Delete(name)

		switch {
		case !deleted && !hadEntry:
			return lockerr.ForName(lockerr.KindFileSystem, "remove", name, ErrSecretNotFound)
		case !deleted:
			report.MissingEnvelopes = append(report.MissingEnvelopes, name)
		case !hadEntry:
			report.Removed = append(report.Removed, name)
			report.MissingMetadata = append(report.MissingMetadata, name)
			return errUnchanged
		default:
			report.Removed = append(report.Removed, name)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, lockerr.WithName(err, "remove", name)
	}
	return report, nil
}

func (l *Locker) removeAll() (*RemoveReport, error) {
	report := &RemoveReport{}

	err := l.store.Modify(func(f *metadata.File) error {
		for _, name := range f.Names() {
			deleted, err := fsutil.RemoveIfExists(l.paths.Envelope(name))
			switch {
			case err != nil:
				if report.Failed == nil {
					report.Failed = make(map[string]error)
				}
				report.Failed[name] = err
				l.warnf("failed to delete envelope of %q: %v", name, err)
			case !deleted:
				report.MissingEnvelopes = append(report.MissingEnvelopes, name)
			default:
				report.Removed = append(report.Removed, name)
			}
		}
		f.Clear()
		return nil
	})
	if err != nil {
		return report, lockerr.WithName(err, "remove", "")
	}

	sort.Strings(report.Removed)
	sort.Strings(report.MissingEnvelopes)
	return report, nil
}
