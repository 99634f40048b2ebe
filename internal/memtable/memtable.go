// Package memtable implements the in-memory write buffer.
//
// Entries are kept in a skiplist ordered by user key ascending (under the
// configured comparator) and sequence number descending, so the newest
// version of a key is always encountered first.
package memtable

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"

	"github.com/quarrydb/quarrykv/internal/dbformat"
)

// Comparator orders user keys. A nil Comparator means bytewise ordering.
type Comparator func(a, b []byte) int

// internalKey is the skiplist key: user key plus sequence number.
type internalKey struct {
	userKey []byte
	seq     dbformat.SequenceNumber
}

// entry is the skiplist value.
type entry struct {
	kind  dbformat.ValueKind
	value []byte
}

// approximate per-entry bookkeeping overhead in bytes
const entryOverhead = 48

// MemTable is a mutable, comparator-aware write buffer.
// It is safe for concurrent use.
type MemTable struct {
	mu   sync.RWMutex
	list *skiplist.SkipList
	cmp  Comparator

	approxSize int64
	count      int64
}

// New creates a memtable ordered by cmp (bytewise if nil).
func New(cmp Comparator) *MemTable {
	if cmp == nil {
		cmp = bytes.Compare
	}
	m := &MemTable{cmp: cmp}
	m.list = skiplist.New(skiplist.GreaterThanFunc(func(a, b interface{}) int {
		ka := a.(internalKey)
		kb := b.(internalKey)
		if c := cmp(ka.userKey, kb.userKey); c != 0 {
			return c
		}
		// Newer versions sort first.
		switch {
		case ka.seq > kb.seq:
			return -1
		case ka.seq < kb.seq:
			return 1
		default:
			return 0
		}
	}))
	return m
}

// Add inserts an entry. The key and value are copied.
func (m *MemTable) Add(seq dbformat.SequenceNumber, kind dbformat.ValueKind, key, value []byte) {
	k := append([]byte(nil), key...)
	var v []byte
	if len(value) > 0 {
		v = append([]byte(nil), value...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Set(internalKey{userKey: k, seq: seq}, entry{kind: kind, value: v})
	m.approxSize += int64(len(k)) + int64(len(v)) + entryOverhead
	m.count++
}

// Get returns the newest version of key visible at seqLimit.
// found reports whether any version exists; deleted reports whether that
// version is a tombstone.
func (m *MemTable) Get(key []byte, seqLimit dbformat.SequenceNumber) (value []byte, kind dbformat.ValueKind, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.list.Find(internalKey{userKey: key, seq: seqLimit})
	if elem == nil {
		return nil, 0, false
	}
	k := elem.Key().(internalKey)
	if m.cmp(k.userKey, key) != 0 || k.seq > seqLimit {
		return nil, 0, false
	}
	e := elem.Value.(entry)
	return e.value, e.kind, true
}

// ApproximateMemoryUsage returns the approximate memory held by entries.
func (m *MemTable) ApproximateMemoryUsage() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approxSize
}

// Count returns the number of entries, counting every version.
func (m *MemTable) Count() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Empty reports whether the memtable holds no entries.
func (m *MemTable) Empty() bool {
	return m.Count() == 0
}

// Iterator walks the newest visible version of each user key in comparator
// order, tombstones included. It holds no lock; the caller must not run it
// concurrently with writes to the same memtable.
type Iterator struct {
	m       *MemTable
	elem    *skiplist.Element
	seq     dbformat.SequenceNumber
	lastKey []byte
	hasLast bool
	valid   bool
}

// NewIterator returns an iterator over versions visible at seqLimit.
func (m *MemTable) NewIterator(seqLimit dbformat.SequenceNumber) *Iterator {
	return &Iterator{m: m, seq: seqLimit}
}

// First positions the iterator at the smallest key.
func (it *Iterator) First() {
	it.elem = it.m.list.Front()
	it.lastKey, it.hasLast = nil, false
	it.advance()
}

// Seek positions the iterator at the first key >= target.
func (it *Iterator) Seek(target []byte) {
	it.elem = it.m.list.Find(internalKey{userKey: target, seq: it.seq})
	it.lastKey, it.hasLast = nil, false
	it.advance()
}

// Next moves to the next user key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.elem = it.elem.Next()
	it.advance()
}

// advance skips versions newer than seq and duplicate older versions of the
// key just emitted.
func (it *Iterator) advance() {
	for it.elem != nil {
		k := it.elem.Key().(internalKey)
		if k.seq > it.seq || (it.hasLast && it.m.cmp(k.userKey, it.lastKey) == 0) {
			it.elem = it.elem.Next()
			continue
		}
		it.lastKey, it.hasLast = k.userKey, true
		it.valid = true
		return
	}
	it.valid = false
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool {
	return it.valid
}

// Key returns the current user key. Valid only while Valid() is true.
func (it *Iterator) Key() []byte {
	return it.elem.Key().(internalKey).userKey
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	return it.elem.Value.(entry).value
}

// Kind returns the current entry kind.
func (it *Iterator) Kind() dbformat.ValueKind {
	return it.elem.Value.(entry).kind
}
