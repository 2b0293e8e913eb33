// Package fsutil holds small file helpers shared by the file-backed queue
// store and the poller state file.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicWrite writes to a temp file in the target directory, syncs it, and
// renames it over path. Readers see either the old or the new content.
func AtomicWrite(path string, perm os.FileMode, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath) //nolint:errcheck // cleanup in error path
		}
	}()

	if err := writeFunc(tmpFile); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("write content: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename to final: %w", err)
	}

	success = true
	return nil
}

// Locker is an inter-process exclusive lock held on a sidecar file.
type Locker struct {
	path string
}

// NewLocker returns a Locker backed by the file at path. The file is created
// on first Lock.
func NewLocker(path string) *Locker {
	return &Locker{path: path}
}

// Lock blocks until the exclusive lock is held. The returned func releases it.
func (l *Locker) Lock() (unlock func(), err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(file); err != nil {
		_ = file.Close() //nolint:errcheck // cleanup in error path
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return func() {
		_ = unlockFile(file) //nolint:errcheck // unlock best-effort
		_ = file.Close()     //nolint:errcheck // close best-effort
	}, nil
}
