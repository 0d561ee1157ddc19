package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := WriteFileAtomic(path, []byte("first"), FileMode); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), FileMode); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want %q", data, "second")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode {
		t.Errorf("permissions = %04o, want %04o", perm, FileMode)
	}

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file in dir, found %d", len(entries))
	}
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "doc.json")
	if err := WriteFileAtomic(path, []byte("x"), FileMode); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestExistsAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")

	if ok, err := Exists(path); err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}
	if err := os.WriteFile(path, nil, FileMode); err != nil {
		t.Fatal(err)
	}
	if ok, err := Exists(path); err != nil || !ok {
		t.Fatalf("Exists(present) = %v, %v", ok, err)
	}

	removed, err := RemoveIfExists(path)
	if err != nil || !removed {
		t.Fatalf("RemoveIfExists(present) = %v, %v", removed, err)
	}
	removed, err = RemoveIfExists(path)
	if err != nil || removed {
		t.Fatalf("RemoveIfExists(missing) = %v, %v", removed, err)
	}
}

func TestWithFileLockSerializes(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "counter.lock")
	counter := filepath.Join(dir, "counter")

	// Each call opens its own descriptor, as separate processes would.
	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- WithFileLock(lockPath, func() error {
				n := 0
				if data, err := os.ReadFile(counter); err == nil {
					n, _ = strconv.Atoi(string(data))
				}
				return os.WriteFile(counter, []byte(strconv.Itoa(n+1)), FileMode)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(workers) {
		t.Errorf("counter = %s, want %d", data, workers)
	}
}

func TestWithFileLockReturnsFnError(t *testing.T) {
	errBoom := errors.New("boom")
	err := WithFileLock(filepath.Join(t.TempDir(), "x.lock"), func() error { return errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("expected fn error, got %v", err)
	}
}
