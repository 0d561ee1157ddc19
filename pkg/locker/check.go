package locker

import (
	"fmt"
	"os"
	"runtime"

	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/envelope"
	"github.com/forest6511/locker/pkg/keyfile"
)

// CheckResult is the outcome of a vault integrity check.
type CheckResult struct {
	Valid            bool     `json:"valid"`
	KeyValid         bool     `json:"key_valid"`
	MetadataValid    bool     `json:"metadata_valid"`
	PermissionsValid bool     `json:"permissions_valid"`
	Secrets          int      `json:"secrets"`
	MissingEnvelopes []string `json:"missing_envelopes,omitempty"`
	Undecryptable    []string `json:"undecryptable,omitempty"`
	Unmanaged        []string `json:"unmanaged,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// Check verifies the key, metadata, permissions and that every managed
// envelope opens under the current key. Unmanaged envelopes are reported
// but do not make the vault invalid. Nothing is modified.
func (l *Locker) Check() (*CheckResult, error) {
	result := &CheckResult{Valid: true, PermissionsValid: true}
	fail := func(format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	info, err := os.Stat(l.paths.Dir)
	if err != nil {
		fail("vault directory not found: %s", l.paths.Dir)
		return result, nil
	}
	l.checkPerm(result, "vault directory", info, fail)

	for _, path := range []string{l.paths.KeyFile(), l.paths.MetadataFile(), l.paths.MetadataDB()} {
		if info, err := os.Stat(path); err == nil {
			l.checkPerm(result, path, info, fail)
		}
	}

	key, err := keyfile.Load(l.paths.KeyFile())
	if err != nil {
		fail("key: %v", err)
	} else {
		result.KeyValid = true
		defer crypto.SecureWipe(key)
	}

	f, err := l.store.Read()
	if err != nil {
		fail("metadata: %v", err)
		return result, nil
	}
	result.MetadataValid = true
	result.Secrets = f.Len()

	onDisk, err := l.scanEnvelopes()
	if err != nil {
		fail("scan: %v", err)
		return result, nil
	}
	result.Unmanaged = unmanagedIn(f, onDisk)

	for _, name := range f.Names() {
		data, err := os.ReadFile(l.paths.Envelope(name))
		if os.IsNotExist(err) {
			result.MissingEnvelopes = append(result.MissingEnvelopes, name)
			fail("envelope missing for %q", name)
			continue
		}
		if err != nil {
			fail("failed to read envelope of %q: %v", name, err)
			continue
		}
		if key == nil {
			continue
		}
		plaintext, err := envelope.Decode(data, key)
		if err != nil {
			result.Undecryptable = append(result.Undecryptable, name)
			fail("envelope of %q does not open: %v", name, err)
			continue
		}
		crypto.SecureWipe(plaintext)
	}
	return result, nil
}

// checkPerm flags group or other access. Windows ACLs are not mode bits.
func (l *Locker) checkPerm(result *CheckResult, what string, info os.FileInfo, fail func(string, ...any)) {
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		result.PermissionsValid = false
		fail("%s has insecure permissions: %04o", what, perm)
	}
}
