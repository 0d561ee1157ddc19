package locker

import (
	"fmt"
	"os"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/audit"
	"github.com/forest6511/locker/pkg/keyfile"
	"github.com/forest6511/locker/pkg/lockerr"
)

// InitOptions configures Init.
type InitOptions struct {
	// Passphrase derives the key instead of generating a random one.
	Passphrase []byte
	// Force replaces an existing key file.
	Force bool
}

// InitResult describes what Init did.
type InitResult struct {
	Dir     string
	KeyFile string
	Derived bool
	// Replaced is set when an existing key was overwritten.
	Replaced bool
	// Envelopes counts envelopes present when the key was replaced. They
	// open only if the new key equals the old one.
	Envelopes int
	// AuditArchive is where the previous audit chain was moved, if any.
	AuditArchive string
}

// Init creates the vault directory and its key file.
func (l *Locker) Init(opts InitOptions) (result *InitResult, err error) {
	defer func() { l.record(audit.OpVaultInit, "", err) }()

	dir := l.paths.Dir
	if err := os.MkdirAll(dir, fsutil.DirMode); err != nil {
		return nil, lockerr.New(lockerr.KindInitialization, "init", fmt.Errorf("failed to create vault directory: %w", err))
	}
	if err := os.Chmod(dir, fsutil.DirMode); err != nil {
		return nil, lockerr.New(lockerr.KindInitialization, "init", fmt.Errorf("failed to set directory permissions: %w", err))
	}

	keyPath := l.paths.KeyFile()
	existed, err := keyfile.Exists(keyPath)
	if err != nil {
		return nil, lockerr.New(lockerr.KindInitialization, "init", err)
	}
	if existed && !opts.Force {
		return nil, lockerr.New(lockerr.KindInitialization, "init", keyfile.ErrKeyExists)
	}

	result = &InitResult{Dir: dir, KeyFile: keyPath, Derived: opts.Passphrase != nil}
	if opts.Passphrase != nil {
		err = keyfile.WriteDerived(keyPath, opts.Passphrase, opts.Force)
	} else {
		err = keyfile.Generate(keyPath, opts.Force)
	}
	if err != nil {
		return nil, lockerr.WithName(err, "init", "")
	}

	if existed {
		result.Replaced = true
		names, err := l.scanEnvelopes()
		if err != nil {
			l.warnf("failed to count envelopes: %v", err)
		}
		result.Envelopes = len(names)

		if l.audit != nil {
			archive, err := l.audit.Rotate()
			if err != nil {
				l.warnf("failed to archive audit log: %v", err)
			}
			result.AuditArchive = archive
		}
	}
	return result, nil
}
