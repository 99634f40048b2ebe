//go:build windows

// lock_windows.go implements file locking on Windows systems.

package vfs

import (
	"io"
	"os"
)

// fileLock holds the lock file handle.
type fileLock struct {
	f *os.File
}

// lockFile acquires a lock on the named file. Windows has no flock; an
// exclusive open of the lock file is enough to keep a second process out.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	return l.f.Close()
}
