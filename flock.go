//go:build !windows

package loam

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// directoryLock guards a database directory against concurrent opens
// using an advisory flock on a LOCK file.
type directoryLock struct {
	f *os.File
}

func acquireDirectoryLock(dir string) (*directoryLock, error) {
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		_ = f.Close()
		return nil, ErrDBAlreadyOpen
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquire lock on %s: %w", path, err)
	}
	return &directoryLock{f: f}, nil
}

func (l *directoryLock) release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("release directory lock: %w", err)
	}
	return l.f.Close()
}
