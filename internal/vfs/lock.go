//go:build !windows

// lock.go implements advisory file locking on Unix systems.

package vfs

import (
	"io"
	"os"
	"syscall"
)

// fileLock holds an flock-based exclusive lock.
type fileLock struct {
	f *os.File
}

// lockFile acquires an exclusive non-blocking lock on the named file,
// creating it if necessary.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	// Closing releases the lock regardless, so the unlock error is not
	// interesting.
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
