package keyfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forest6511/locker/pkg/crypto"
	"github.com/forest6511/locker/pkg/lockerr"
)

func TestGenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locker.key")

	if err := Generate(path, false); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	key, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("Load() length = %d, want %d", len(key), KeySize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file permissions = %04o, want 0600", perm)
	}
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locker.key")
	if err := Generate(path, false); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	first, _ := Load(path)

	err := Generate(path, false)
	if !errors.Is(err, ErrKeyExists) {
		t.Errorf("Generate() error = %v, want %v", err, ErrKeyExists)
	}
	if !errors.Is(err, lockerr.Initialization) {
		t.Errorf("Generate() error = %v, want initialization error", err)
	}

	if err := Generate(path, true); err != nil {
		t.Fatalf("Generate(force) error = %v", err)
	}
	second, _ := Load(path)
	if bytes.Equal(first, second) {
		t.Error("forced Generate() should replace the key")
	}
}

func TestLoadInvalidSize(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"short", 16},
		{"one short", 31},
		{"one long", 33},
		{"long", 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".key")
			if err := os.WriteFile(path, make([]byte, tt.size), 0600); err != nil {
				t.Fatal(err)
			}

			key, err := Load(path)
			if !errors.Is(err, crypto.ErrInvalidKeyLength) {
				t.Errorf("Load() error = %v, want %v", err, crypto.ErrInvalidKeyLength)
			}
			if key != nil {
				t.Error("Load() returned a key on failure")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.key"))
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Load() error = %v, want %v", err, ErrKeyNotFound)
	}
	if !errors.Is(err, lockerr.FileSystem) {
		t.Errorf("Load() error = %v, want file system error", err)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.key")
	b := filepath.Join(dir, "b.key")

	if err := WriteDerived(a, []byte("my passphrase"), false); err != nil {
		t.Fatalf("WriteDerived() error = %v", err)
	}
	if err := WriteDerived(b, []byte("my passphrase"), false); err != nil {
		t.Fatalf("WriteDerived() error = %v", err)
	}

	ka, _ := Load(a)
	kb, _ := Load(b)
	if !bytes.Equal(ka, kb) {
		t.Error("same passphrase should derive the same key")
	}

	if _, err := Derive(nil); !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("Derive(empty) error = %v, want %v", err, ErrEmptyPassphrase)
	}
}

func TestProviderLoadsEachCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locker.key")
	p := NewProvider(path)

	if _, err := p.Key(); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Key() before generate error = %v, want %v", err, ErrKeyNotFound)
	}
	if err := Generate(path, false); err != nil {
		t.Fatal(err)
	}
	first, err := p.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	if err := Generate(path, true); err != nil {
		t.Fatal(err)
	}
	second, err := p.Key()
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("Provider should see the replaced key file")
	}
}
