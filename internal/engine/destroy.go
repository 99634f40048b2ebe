package engine

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DestroyDB deletes the database at dir: manifests, logs, tables, blob
// files, and the directory itself when nothing else remains. The database
// must not be open. A missing directory is not an error.
func DestroyDB(dir string, opts *Options) error {
	if opts == nil {
		opts = NewOptions()
	}
	fs := opts.fs()
	if !fs.Exists(dir) {
		return nil
	}

	lock, err := fs.Lock(filepath.Join(dir, lockFileName))
	if err != nil {
		return fmt.Errorf("engine: destroy %s: database appears to be in use: %w", dir, err)
	}

	names, err := fs.ListDir(dir)
	if err != nil {
		lock.Close()
		return fmt.Errorf("engine: destroy %s: %w", dir, err)
	}
	var firstErr error
	for _, name := range names {
		// The lock file goes last, after the lock is released.
		if name == lockFileName || !ownedFileName(name) {
			continue
		}
		if err := fs.Remove(filepath.Join(dir, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	lock.Close()
	if err := fs.Remove(filepath.Join(dir, lockFileName)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("engine: destroy %s: %w", dir, firstErr)
	}

	// Remove the directory only when we emptied it; foreign files stay.
	if rest, err := fs.ListDir(dir); err == nil && len(rest) == 0 {
		if err := fs.RemoveAll(dir); err != nil {
			return fmt.Errorf("engine: destroy %s: %w", dir, err)
		}
	}
	return nil
}

// ownedFileName reports whether a directory entry is one the engine
// created.
func ownedFileName(name string) bool {
	switch name {
	case currentFileName, "CURRENT.tmp", lockFileName:
		return true
	}
	if strings.HasPrefix(name, "MANIFEST-") {
		return true
	}
	switch filepath.Ext(name) {
	case ".log", ".sst", ".blob":
		return true
	}
	return false
}
