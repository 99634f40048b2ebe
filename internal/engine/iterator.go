package engine

import (
	"github.com/quarrydb/quarrykv/internal/dbformat"
)

// internalIterator walks one source of versioned entries in key order.
// The memtable and table iterators both satisfy it.
type internalIterator interface {
	First()
	Seek(target []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Kind() dbformat.ValueKind
}

// Iterator merges a column family's memtable and tables into a single
// ascending view of live keys. Tombstones and shadowed versions are
// skipped; blob references are resolved transparently.
type Iterator struct {
	db      *TransactionDB
	cf      *columnFamily
	sources []internalIterator

	key   []byte
	value []byte
	valid bool
	err   error
}

// NewIteratorCF returns an iterator over the given column family. The
// iterator sees the state at creation plus later memtable writes; callers
// that need a stable view should not write concurrently.
func (db *TransactionDB) NewIteratorCF(ro *ReadOptions, h *ColumnFamilyHandle) *Iterator {
	db.mu.Lock()
	defer db.mu.Unlock()
	cf := h.cf
	// Sources are ordered newest first; ties resolve to the lowest index.
	sources := make([]internalIterator, 0, 1+len(cf.l0)+len(cf.bottom))
	sources = append(sources, cf.mem.NewIterator(dbformat.MaxSequenceNumber))
	for _, th := range cf.tables() {
		sources = append(sources, th.reader.NewIterator())
	}
	return &Iterator{db: db, cf: cf, sources: sources}
}

// First positions at the smallest live key.
func (it *Iterator) First() {
	for _, s := range it.sources {
		s.First()
	}
	it.findNext()
}

// Seek positions at the smallest live key >= target.
func (it *Iterator) Seek(target []byte) {
	for _, s := range it.sources {
		s.Seek(target)
	}
	it.findNext()
}

// Next advances to the next live key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.advanceCurrent()
	it.findNext()
}

// advanceCurrent steps every source positioned at the current key.
func (it *Iterator) advanceCurrent() {
	for _, s := range it.sources {
		if s.Valid() && it.cf.cmp.Compare(s.Key(), it.key) == 0 {
			s.Next()
		}
	}
}

// findNext locates the smallest key across sources and resolves its newest
// version, skipping tombstones.
func (it *Iterator) findNext() {
	for {
		var best internalIterator
		for _, s := range it.sources {
			if !s.Valid() {
				continue
			}
			if best == nil || it.cf.cmp.Compare(s.Key(), best.Key()) < 0 {
				best = s
			}
		}
		if best == nil {
			it.valid = false
			return
		}

		it.key = append(it.key[:0], best.Key()...)
		if best.Kind() == dbformat.KindDeletion {
			it.advanceCurrent()
			continue
		}
		if best.Kind() == dbformat.KindBlobIndex {
			value, err := resolveBlob(it.db.fs, it.db.dir, best.Value())
			if err != nil {
				it.err = err
				it.valid = false
				return
			}
			it.value = value
		} else {
			it.value = append(it.value[:0], best.Value()...)
		}
		it.valid = true
		return
	}
}

// Valid reports whether the iterator is positioned at a live entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current key. Valid until the next positioning call.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. Valid until the next positioning call.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator.
func (it *Iterator) Close() error {
	it.sources = nil
	it.valid = false
	return it.err
}
