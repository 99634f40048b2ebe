package quarrykv

import (
	"fmt"
	"sync"

	"github.com/quarrydb/quarrykv/internal/engine"
	"github.com/quarrydb/quarrykv/internal/logging"
)

// Keyspace selects which of the two keyspaces an operation targets.
type Keyspace int

const (
	// Primary is the default keyspace.
	Primary Keyspace = iota

	// Relation is the "relation" keyspace.
	Relation
)

// ErrHandleClosed reports use of a handle after Close.
var ErrHandleClosed = fmt.Errorf("quarrykv: handle is closed")

// ErrNotFound reports that a key has no value.
var ErrNotFound = engine.ErrNotFound

const (
	stateOpen = iota
	stateClosing
	stateClosed
)

// DbHandle owns an open store: the engine instance, the two keyspace
// handles in fixed order (primary, relation), any custom comparators, the
// store path, and the destroy-on-exit flag. It is a single-owner object;
// share the pointer, never the value.
type DbHandle struct {
	db          *engine.TransactionDB
	pri, snd    *engine.ColumnFamilyHandle
	comparators []engine.Comparator

	path          string
	destroyOnExit bool
	logger        logging.Logger
	stats         *engine.Statistics

	mu    sync.Mutex
	state int
}

// Path returns the store's directory.
func (h *DbHandle) Path() string { return h.path }

func (h *DbHandle) keyspace(ks Keyspace) *engine.ColumnFamilyHandle {
	if ks == Relation {
		return h.snd
	}
	return h.pri
}

func (h *DbHandle) open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateOpen {
		return ErrHandleClosed
	}
	return nil
}

// Put writes key into the given keyspace.
func (h *DbHandle) Put(ks Keyspace, key, value []byte) error {
	if err := h.open(); err != nil {
		return err
	}
	return h.db.PutCF(nil, h.keyspace(ks), key, value)
}

// Get returns the value of key in the given keyspace, or ErrNotFound.
func (h *DbHandle) Get(ks Keyspace, key []byte) ([]byte, error) {
	if err := h.open(); err != nil {
		return nil, err
	}
	return h.db.GetCF(nil, h.keyspace(ks), key)
}

// Delete removes key from the given keyspace.
func (h *DbHandle) Delete(ks Keyspace, key []byte) error {
	if err := h.open(); err != nil {
		return err
	}
	return h.db.DeleteCF(nil, h.keyspace(ks), key)
}

// Iterator returns an ascending iterator over the live keys of the given
// keyspace, ordered by its comparator.
func (h *DbHandle) Iterator(ks Keyspace) (*Iterator, error) {
	if err := h.open(); err != nil {
		return nil, err
	}
	return &Iterator{it: h.db.NewIteratorCF(nil, h.keyspace(ks))}, nil
}

// Begin starts a pessimistic transaction across both keyspaces.
func (h *DbHandle) Begin() (*Tx, error) {
	if err := h.open(); err != nil {
		return nil, err
	}
	return &Tx{h: h, txn: h.db.BeginTransaction(nil, engine.TransactionOptions{})}, nil
}

// Compact rewrites the given keyspace down to its bottommost level,
// dropping tombstones and applying the bottommost compression.
func (h *DbHandle) Compact(ks Keyspace) error {
	if err := h.open(); err != nil {
		return err
	}
	return h.db.CompactRangeCF(h.keyspace(ks), nil, nil)
}

// Flush forces the memtables out to table files.
func (h *DbHandle) Flush() error {
	if err := h.open(); err != nil {
		return err
	}
	return h.db.Flush(nil)
}

// DbStats is a point-in-time snapshot of the store's counters.
type DbStats struct {
	BloomFilterChecked uint64
	BloomFilterUseful  uint64
	BytesWritten       uint64
	BytesRead          uint64
	Flushes            uint64
	Compactions        uint64
}

// Stats snapshots the store's counters.
func (h *DbHandle) Stats() DbStats {
	return DbStats{
		BloomFilterChecked: h.stats.GetTickerCount(engine.TickerBloomFilterChecked),
		BloomFilterUseful:  h.stats.GetTickerCount(engine.TickerBloomFilterUseful),
		BytesWritten:       h.stats.GetTickerCount(engine.TickerBytesWritten),
		BytesRead:          h.stats.GetTickerCount(engine.TickerBytesRead),
		Flushes:            h.stats.GetTickerCount(engine.TickerFlushCount),
		Compactions:        h.stats.GetTickerCount(engine.TickerCompactionCount),
	}
}

// Close tears the handle down: Open, Closing, Closed, entered exactly
// once. The engine instance and keyspace handles are released; with
// destroy-on-exit set, every file at the path is then deleted. Close and
// destroy failures are reported through the logger and never escalate, so
// teardown always runs to completion. Further calls are no-ops.
func (h *DbHandle) Close() {
	h.mu.Lock()
	if h.state != stateOpen {
		h.mu.Unlock()
		return
	}
	h.state = stateClosing
	h.mu.Unlock()

	if err := h.db.Close(); err != nil {
		h.logger.Errorf("%sclose %s: %v", logging.NSTeardown, h.path, err)
	}
	h.pri, h.snd = nil, nil
	h.comparators = nil

	if h.destroyOnExit {
		if err := engine.DestroyDB(h.path, engine.NewOptions()); err != nil {
			h.logger.Errorf("%sdestroy %s: %v", logging.NSTeardown, h.path, err)
		} else {
			h.logger.Infof("%sdestroyed %s", logging.NSTeardown, h.path)
		}
	}

	h.mu.Lock()
	h.state = stateClosed
	h.mu.Unlock()
}

// Iterator walks one keyspace in comparator order.
type Iterator struct {
	it *engine.Iterator
}

// First positions at the smallest key.
func (it *Iterator) First() { it.it.First() }

// Seek positions at the smallest key >= target.
func (it *Iterator) Seek(target []byte) { it.it.Seek(target) }

// Next advances the iterator.
func (it *Iterator) Next() { it.it.Next() }

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Key returns the current key, valid until the next positioning call.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current value, valid until the next positioning call.
func (it *Iterator) Value() []byte { return it.it.Value() }

// Err returns the first error the iterator hit.
func (it *Iterator) Err() error { return it.it.Err() }

// Close releases the iterator.
func (it *Iterator) Close() error { return it.it.Close() }

// Tx is a pessimistic transaction over both keyspaces. Writes are buffered
// and applied atomically on Commit; every written key stays locked until
// the transaction finishes.
type Tx struct {
	h   *DbHandle
	txn *engine.Transaction
}

// Put buffers a write of key in the given keyspace.
func (t *Tx) Put(ks Keyspace, key, value []byte) error {
	return t.txn.Put(t.h.keyspace(ks), key, value)
}

// Delete buffers a deletion of key in the given keyspace.
func (t *Tx) Delete(ks Keyspace, key []byte) error {
	return t.txn.Delete(t.h.keyspace(ks), key)
}

// Get reads key, seeing this transaction's own writes first.
func (t *Tx) Get(ks Keyspace, key []byte) ([]byte, error) {
	return t.txn.Get(t.h.keyspace(ks), key)
}

// GetForUpdate reads key and locks it until the transaction finishes.
func (t *Tx) GetForUpdate(ks Keyspace, key []byte) ([]byte, error) {
	return t.txn.GetForUpdate(t.h.keyspace(ks), key)
}

// Commit applies the buffered writes atomically.
func (t *Tx) Commit() error { return t.txn.Commit() }

// Rollback discards the buffered writes.
func (t *Tx) Rollback() error { return t.txn.Rollback() }
