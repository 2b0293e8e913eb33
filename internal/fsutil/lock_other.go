//go:build !unix

package fsutil

import "os"

// Non-unix builds get no inter-process exclusion; callers still hold their
// in-process mutex.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
