package quarrykv

// A store wraps the raw database in a versioned directory: a msgpack
// manifest next to a data subdirectory. The manifest pins the storage
// format version so a newer on-disk layout is refused instead of
// misread, and its presence decides whether the open creates or reuses
// the database.

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// currentStorageVersion is the storage format this build reads and writes.
const currentStorageVersion = 1

const (
	storeManifestName = "manifest"
	storeDataDirName  = "data"
)

type storeManifest struct {
	StorageVersion int `msgpack:"storage_version"`
}

// OpenStore opens the store rooted at dir, creating it when no manifest
// exists. opts.Path and opts.CreateIfMissing are derived from the
// directory state and need not be set.
func OpenStore(dir string, opts DbOpts) (*DbHandle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("quarrykv: create store %s: %w", dir, err)
	}

	manifestPath := filepath.Join(dir, storeManifestName)
	data, err := os.ReadFile(manifestPath)
	switch {
	case err == nil:
		var m storeManifest
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("quarrykv: store %s: corrupt manifest: %w", dir, err)
		}
		if m.StorageVersion != currentStorageVersion {
			return nil, fmt.Errorf("quarrykv: store %s: storage version %d not supported (want %d)",
				dir, m.StorageVersion, currentStorageVersion)
		}
		opts.CreateIfMissing = false
	case errors.Is(err, fs.ErrNotExist):
		payload, err := msgpack.Marshal(storeManifest{StorageVersion: currentStorageVersion})
		if err != nil {
			return nil, fmt.Errorf("quarrykv: store %s: encode manifest: %w", dir, err)
		}
		if err := os.WriteFile(manifestPath, payload, 0o644); err != nil {
			return nil, fmt.Errorf("quarrykv: store %s: write manifest: %w", dir, err)
		}
		opts.CreateIfMissing = true
	default:
		return nil, fmt.Errorf("quarrykv: store %s: read manifest: %w", dir, err)
	}

	opts.Path = filepath.Join(dir, storeDataDirName)
	return Open(opts)
}
