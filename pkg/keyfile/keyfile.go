// Package keyfile supplies the vault key.
//
// The key file holds exactly 32 raw bytes with no header. It is either
// random or derived from a passphrase; Load does not care which.
package keyfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/forest6511/locker/internal/fsutil"
	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/lockerr"
)

// KeySize is the required key file length in bytes.
const KeySize = crypto.KeyLength

// passphraseSalt is fixed so that a passphrase recreates the same key on
// any machine.
var passphraseSalt = []byte("locker/keyfile/v1")

var (
	// ErrKeyNotFound indicates the key file does not exist.
	ErrKeyNotFound = errors.New("keyfile: key file not found")

	// ErrKeyExists indicates a key file is already present.
	ErrKeyExists = errors.New("keyfile: key file already exists")

	// ErrEmptyPassphrase indicates an empty passphrase was provided.
	ErrEmptyPassphrase = errors.New("keyfile: passphrase cannot be empty")
)

// Load reads the key file at path. The length is checked before the key is
// handed to any cipher.
func Load(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, lockerr.New(lockerr.KindFileSystem, "keyfile.load", ErrKeyNotFound)
		}
		return nil, lockerr.New(lockerr.KindFileSystem, "keyfile.load", fmt.Errorf("failed to read key file: %w", err))
	}

	if len(key) != KeySize {
		crypto.SecureWipe(key)
		return nil, lockerr.New(lockerr.KindDecryption, "keyfile.load",
			fmt.Errorf("%w: got %d bytes", crypto.ErrInvalidKeyLength, len(key)))
	}

	return key, nil
}

// Generate writes a new random key to path.
func Generate(path string, force bool) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return lockerr.New(lockerr.KindInitialization, "keyfile.generate", err)
	}
	defer crypto.SecureWipe(key)

	return write(path, key, force, "keyfile.generate")
}

// Derive turns a passphrase into a vault key.
func Derive(passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	return crypto.DeriveKey(passphrase, passphraseSalt), nil
}

// WriteDerived writes the key derived from passphrase to path.
func WriteDerived(path string, passphrase []byte, force bool) error {
	key, err := Derive(passphrase)
	if err != nil {
		return lockerr.New(lockerr.KindInitialization, "keyfile.derive", err)
	}
	defer crypto.SecureWipe(key)

	return write(path, key, force, "keyfile.derive")
}

// Exists reports whether a key file is present at path.
func Exists(path string) (bool, error) {
	return fsutil.Exists(path)
}

func write(path string, key []byte, force bool, op string) error {
	exists, err := fsutil.Exists(path)
	if err != nil {
		return lockerr.New(lockerr.KindInitialization, op, err)
	}
	if exists && !force {
		return lockerr.New(lockerr.KindInitialization, op, ErrKeyExists)
	}

	if err := fsutil.WriteFileAtomic(path, key, fsutil.FileMode); err != nil {
		return lockerr.New(lockerr.KindInitialization, op, fmt.Errorf("failed to write key file: %w", err))
	}
	return nil
}

// Provider loads the key from disk on every call. Nothing is cached.
type Provider struct {
	Path string
}

// NewProvider returns a Provider for the key file at path.
func NewProvider(path string) *Provider {
	return &Provider{Path: path}
}

// Key loads the key. Callers should SecureWipe it when done.
func (p *Provider) Key() ([]byte, error) {
	return Load(p.Path)
}
