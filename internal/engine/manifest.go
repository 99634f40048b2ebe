package engine

// The manifest records which files make up the database. It is rewritten
// whole on every state change and swapped in through CURRENT, so a crash
// mid-write leaves the previous manifest intact.

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quarrydb/quarrykv/internal/vfs"
)

const (
	currentFileName = "CURRENT"
	lockFileName    = "LOCK"

	manifestFormatVersion = 1
)

// manifestState is the persistent metadata of a database.
type manifestState struct {
	FormatVersion  int                 `msgpack:"format_version"`
	NextFileNumber uint64              `msgpack:"next_file_number"`
	LastSequence   uint64              `msgpack:"last_sequence"`
	WALNumber      uint64              `msgpack:"wal_number"`
	NextCFID       uint32              `msgpack:"next_cf_id"`
	ColumnFamilies []columnFamilyState `msgpack:"column_families"`
}

// columnFamilyState is the persistent metadata of one column family.
type columnFamilyState struct {
	ID             uint32   `msgpack:"id"`
	Name           string   `msgpack:"name"`
	ComparatorName string   `msgpack:"comparator"`
	L0Tables       []uint64 `msgpack:"l0_tables"`
	BottomTables   []uint64 `msgpack:"bottom_tables"`
	BlobFiles      []uint64 `msgpack:"blob_files"`
}

func manifestFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", num))
}

func walFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", num))
}

func tableFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

func blobFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.blob", num))
}

// writeManifest persists st as MANIFEST-num and points CURRENT at it.
func writeManifest(fs vfs.FS, dir string, num uint64, st *manifestState) error {
	st.FormatVersion = manifestFormatVersion

	name := manifestFileName(dir, num)
	f, err := fs.Create(name)
	if err != nil {
		return fmt.Errorf("manifest: create: %w", err)
	}
	data, err := msgpack.Marshal(st)
	if err != nil {
		f.Close()
		return fmt.Errorf("manifest: encode: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("manifest: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("manifest: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close: %w", err)
	}
	return setCurrent(fs, dir, num)
}

// setCurrent atomically points CURRENT at MANIFEST-num.
func setCurrent(fs vfs.FS, dir string, num uint64) error {
	tmp := filepath.Join(dir, "CURRENT.tmp")
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("manifest: create CURRENT: %w", err)
	}
	if _, err := f.Write([]byte(fmt.Sprintf("MANIFEST-%06d\n", num))); err != nil {
		f.Close()
		return fmt.Errorf("manifest: write CURRENT: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("manifest: sync CURRENT: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("manifest: close CURRENT: %w", err)
	}
	if err := fs.Rename(tmp, filepath.Join(dir, currentFileName)); err != nil {
		return fmt.Errorf("manifest: install CURRENT: %w", err)
	}
	return fs.SyncDir(dir)
}

// readManifest loads the manifest CURRENT points at.
func readManifest(fs vfs.FS, dir string) (*manifestState, uint64, error) {
	f, err := fs.Open(filepath.Join(dir, currentFileName))
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: open CURRENT: %w", err)
	}
	cur, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: read CURRENT: %w", err)
	}
	name := strings.TrimSpace(string(cur))
	var num uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%d", &num); err != nil {
		return nil, 0, fmt.Errorf("manifest: malformed CURRENT %q", name)
	}

	mf, err := fs.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: open %s: %w", name, err)
	}
	data, err := io.ReadAll(mf)
	mf.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: read %s: %w", name, err)
	}
	st := &manifestState{}
	if err := msgpack.Unmarshal(data, st); err != nil {
		return nil, 0, fmt.Errorf("manifest: decode %s: %w", name, err)
	}
	if st.FormatVersion != manifestFormatVersion {
		return nil, 0, fmt.Errorf("manifest: unsupported format version %d", st.FormatVersion)
	}
	return st, num, nil
}
