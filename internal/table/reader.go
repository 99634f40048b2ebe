package table

// reader.go reads table files. The index and filter blocks are loaded once
// at open; data blocks are read and verified on demand.

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/quarrydb/quarrykv/internal/checksum"
	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

// GetStatus reports how a point lookup concluded.
type GetStatus int

const (
	// GetNotFound means the key is not in this table.
	GetNotFound GetStatus = iota

	// GetFound means the key was found; kind and value are valid.
	GetFound

	// GetFilteredOut means the bloom filter excluded the key without any
	// block read.
	GetFilteredOut
)

// ReaderOptions configures a table reader.
type ReaderOptions struct {
	// Compare orders user keys; bytewise when nil is not supported here,
	// callers always pass the column family comparator.
	Compare func(a, b []byte) int

	// FilterKey maps a lookup key to the key tested against the bloom
	// filter. The second return disables the filter for this lookup.
	// When nil the whole key is tested.
	FilterKey func(key []byte) ([]byte, bool)
}

// Reader serves lookups and scans against one table file.
type Reader struct {
	f    vfs.RandomAccessFile
	opts ReaderOptions

	index  []indexEntry
	filter *filter.Filter
}

// OpenReader validates the footer and loads the index and filter blocks.
func OpenReader(f vfs.RandomAccessFile, opts ReaderOptions) (*Reader, error) {
	size := f.Size()
	if size < FooterSize {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrBadTable, size)
	}
	buf := make([]byte, FooterSize)
	if _, err := f.ReadAt(buf, size-FooterSize); err != nil {
		return nil, fmt.Errorf("table: read footer: %w", err)
	}
	ftr, err := decodeFooter(buf)
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, opts: opts}

	idx, err := r.readBlock(ftr.indexHandle)
	if err != nil {
		return nil, fmt.Errorf("table: read index: %w", err)
	}
	for len(idx) > 0 {
		klen, n := binary.Uvarint(idx)
		if n <= 0 || uint64(len(idx)-n) < klen {
			return nil, fmt.Errorf("%w: truncated index key", ErrBadTable)
		}
		idx = idx[n:]
		lastKey := append([]byte(nil), idx[:klen]...)
		idx = idx[klen:]

		off, n := binary.Uvarint(idx)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated index handle", ErrBadTable)
		}
		idx = idx[n:]
		sz, n := binary.Uvarint(idx)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated index handle", ErrBadTable)
		}
		idx = idx[n:]
		r.index = append(r.index, indexEntry{lastKey: lastKey, handle: BlockHandle{Offset: off, Size: sz}})
	}

	if ftr.filterHandle.Size > 0 {
		data, err := r.readBlock(ftr.filterHandle)
		if err != nil {
			return nil, fmt.Errorf("table: read filter: %w", err)
		}
		r.filter, err = filter.Parse(data)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

// readBlock reads, verifies, and decompresses one block.
func (r *Reader) readBlock(h BlockHandle) ([]byte, error) {
	buf := make([]byte, h.Size+blockTrailerSize)
	if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, err
	}
	payload := buf[:h.Size]
	ctype := compression.Type(buf[h.Size])
	want := binary.LittleEndian.Uint64(buf[h.Size+1:])
	if checksum.Sum64Parts(payload, buf[h.Size:h.Size+1]) != want {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrBadTable, h.Offset)
	}
	return compression.Decompress(ctype, payload)
}

// Get looks up the newest entry for key in this table.
func (r *Reader) Get(key []byte) (value []byte, kind dbformat.ValueKind, status GetStatus, err error) {
	if r.filter != nil {
		fkey, useFilter := key, true
		if r.opts.FilterKey != nil {
			fkey, useFilter = r.opts.FilterKey(key)
		}
		if useFilter && !r.filter.MayContain(fkey) {
			return nil, 0, GetFilteredOut, nil
		}
	}

	// First block whose last key is >= key.
	i := sort.Search(len(r.index), func(i int) bool {
		return r.opts.Compare(r.index[i].lastKey, key) >= 0
	})
	if i >= len(r.index) {
		return nil, 0, GetNotFound, nil
	}

	block, err := r.readBlock(r.index[i].handle)
	if err != nil {
		return nil, 0, GetNotFound, err
	}
	for len(block) > 0 {
		k, ekey, evalue, rest, err := decodeEntry(block)
		if err != nil {
			return nil, 0, GetNotFound, err
		}
		if c := r.opts.Compare(ekey, key); c == 0 {
			return append([]byte(nil), evalue...), k, GetFound, nil
		} else if c > 0 {
			break
		}
		block = rest
	}
	return nil, 0, GetNotFound, nil
}

// HasFilter reports whether the table carries a bloom filter block.
func (r *Reader) HasFilter() bool { return r.filter != nil }

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Iterator scans a table file in key order.
type Iterator struct {
	r *Reader

	blockIdx int
	block    []byte

	key   []byte
	value []byte
	kind  dbformat.ValueKind
	valid bool
	err   error
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

// First positions at the first entry.
func (it *Iterator) First() {
	it.blockIdx = -1
	it.block = nil
	it.valid = false
	it.err = nil
	it.nextEntry()
}

// Seek positions at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	i := sort.Search(len(it.r.index), func(i int) bool {
		return it.r.opts.Compare(it.r.index[i].lastKey, target) >= 0
	})
	it.blockIdx = i - 1
	it.block = nil
	it.valid = false
	it.err = nil
	it.nextEntry()
	for it.valid && it.r.opts.Compare(it.key, target) < 0 {
		it.nextEntry()
	}
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.nextEntry()
}

// nextEntry decodes the next entry, loading blocks as needed.
func (it *Iterator) nextEntry() {
	for {
		if len(it.block) == 0 {
			it.blockIdx++
			if it.blockIdx >= len(it.r.index) {
				it.valid = false
				return
			}
			block, err := it.r.readBlock(it.r.index[it.blockIdx].handle)
			if err != nil {
				it.err = err
				it.valid = false
				return
			}
			it.block = block
		}
		kind, key, value, rest, err := decodeEntry(it.block)
		if err != nil {
			it.err = err
			it.valid = false
			return
		}
		it.block = rest
		it.key = key
		it.value = value
		it.kind = kind
		it.valid = true
		return
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Kind returns the current entry kind.
func (it *Iterator) Kind() dbformat.ValueKind { return it.kind }

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error { return it.err }
