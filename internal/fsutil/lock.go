package fsutil

import (
	"fmt"
	"os"
)

// WithFileLock runs fn while holding an exclusive advisory lock on path.
// The lock file is created if missing and never removed.
func WithFileLock(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	return fn()
}
