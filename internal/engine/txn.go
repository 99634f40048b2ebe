package engine

// Pessimistic transactions. Each written key is locked at write time and
// held until commit or rollback, so two transactions never race on a key;
// a second writer waits up to the lock timeout and then fails.

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/wal"
)

// ErrLockTimeout reports that a transaction could not acquire a key lock
// within its timeout.
var ErrLockTimeout = errors.New("engine: timeout waiting for key lock")

// ErrTransactionDone reports use of a committed or rolled back transaction.
var ErrTransactionDone = errors.New("engine: transaction already finished")

// TransactionDBOptions configures transaction behavior database-wide.
type TransactionDBOptions struct {
	// TransactionLockTimeout bounds how long a transaction waits for a
	// key lock held by another transaction.
	TransactionLockTimeout time.Duration
}

func (o TransactionDBOptions) withDefaults() TransactionDBOptions {
	if o.TransactionLockTimeout <= 0 {
		o.TransactionLockTimeout = time.Second
	}
	return o
}

// TransactionOptions configures one transaction.
type TransactionOptions struct {
	// LockTimeout overrides the database-wide lock timeout when positive.
	LockTimeout time.Duration
}

const lockStripes = 16

// lockManager hands out exclusive per-key locks, striped to bound
// contention on the bookkeeping maps.
type lockManager struct {
	stripes [lockStripes]lockStripe
}

type lockStripe struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	owner    *Transaction
	released chan struct{}
}

func (lm *lockManager) init() {
	for i := range lm.stripes {
		lm.stripes[i].locks = make(map[string]*keyLock)
	}
}

func lockKey(cfID uint32, key []byte) string {
	return fmt.Sprintf("%d/%s", cfID, key)
}

func (lm *lockManager) stripe(k string) *lockStripe {
	var h uint32
	for i := 0; i < len(k); i++ {
		h = h*31 + uint32(k[i])
	}
	return &lm.stripes[h%lockStripes]
}

// acquire locks k for txn, waiting up to timeout for other holders.
func (lm *lockManager) acquire(txn *Transaction, k string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	s := lm.stripe(k)
	for {
		s.mu.Lock()
		kl, held := s.locks[k]
		if !held {
			s.locks[k] = &keyLock{owner: txn, released: make(chan struct{})}
			s.mu.Unlock()
			return nil
		}
		if kl.owner == txn {
			s.mu.Unlock()
			return nil
		}
		released := kl.released
		s.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("%w: key %q", ErrLockTimeout, k)
		}
		timer := time.NewTimer(wait)
		select {
		case <-released:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("%w: key %q", ErrLockTimeout, k)
		}
	}
}

// release drops txn's lock on k.
func (lm *lockManager) release(txn *Transaction, k string) {
	s := lm.stripe(k)
	s.mu.Lock()
	if kl, held := s.locks[k]; held && kl.owner == txn {
		delete(s.locks, k)
		close(kl.released)
	}
	s.mu.Unlock()
}

// txnWrite is one buffered operation of a transaction.
type txnWrite struct {
	cf    *columnFamily
	kind  dbformat.ValueKind
	key   []byte
	value []byte
}

// Transaction buffers writes and applies them atomically on commit. Not
// safe for concurrent use by multiple goroutines.
type Transaction struct {
	db          *TransactionDB
	wo          *WriteOptions
	lockTimeout time.Duration

	writes []txnWrite
	byKey  map[string]int
	locked map[string]struct{}
	done   bool
}

// BeginTransaction starts a pessimistic transaction. The write options are
// applied at commit.
func (db *TransactionDB) BeginTransaction(wo *WriteOptions, topts TransactionOptions) *Transaction {
	timeout := topts.LockTimeout
	if timeout <= 0 {
		timeout = db.txnOpts.TransactionLockTimeout
	}
	return &Transaction{
		db:          db,
		wo:          wo,
		lockTimeout: timeout,
		byKey:       make(map[string]int),
		locked:      make(map[string]struct{}),
	}
}

// lock acquires the key lock once per transaction.
func (t *Transaction) lock(cfID uint32, key []byte) error {
	k := lockKey(cfID, key)
	if _, ok := t.locked[k]; ok {
		return nil
	}
	if err := t.db.locks.acquire(t, k, t.lockTimeout); err != nil {
		return err
	}
	t.locked[k] = struct{}{}
	return nil
}

func (t *Transaction) buffer(cf *columnFamily, kind dbformat.ValueKind, key, value []byte) {
	k := lockKey(cf.id, key)
	w := txnWrite{
		cf:    cf,
		kind:  kind,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	}
	if i, ok := t.byKey[k]; ok {
		t.writes[i] = w
		return
	}
	t.byKey[k] = len(t.writes)
	t.writes = append(t.writes, w)
}

// Put buffers a write of key in the given column family.
func (t *Transaction) Put(h *ColumnFamilyHandle, key, value []byte) error {
	if t.done {
		return ErrTransactionDone
	}
	if err := t.lock(h.cf.id, key); err != nil {
		return err
	}
	t.buffer(h.cf, dbformat.KindValue, key, value)
	return nil
}

// Delete buffers a deletion of key in the given column family.
func (t *Transaction) Delete(h *ColumnFamilyHandle, key []byte) error {
	if t.done {
		return ErrTransactionDone
	}
	if err := t.lock(h.cf.id, key); err != nil {
		return err
	}
	t.buffer(h.cf, dbformat.KindDeletion, key, nil)
	return nil
}

// Get reads key, seeing the transaction's own buffered writes first.
func (t *Transaction) Get(h *ColumnFamilyHandle, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTransactionDone
	}
	if i, ok := t.byKey[lockKey(h.cf.id, key)]; ok {
		w := t.writes[i]
		if w.kind == dbformat.KindDeletion {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	return t.db.GetCF(nil, h, key)
}

// GetForUpdate reads key and locks it so no other transaction can write it
// before this one finishes.
func (t *Transaction) GetForUpdate(h *ColumnFamilyHandle, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTransactionDone
	}
	if err := t.lock(h.cf.id, key); err != nil {
		return nil, err
	}
	return t.Get(h, key)
}

// Commit applies every buffered write atomically and releases the locks.
func (t *Transaction) Commit() error {
	if t.done {
		return ErrTransactionDone
	}
	defer t.finish()
	if len(t.writes) == 0 {
		return nil
	}
	entries := make([]wal.Entry, 0, len(t.writes))
	for _, w := range t.writes {
		entries = append(entries, wal.Entry{CF: w.cf.id, Kind: w.kind, Key: w.key, Value: w.value})
	}
	return t.db.Write(t.wo, entries)
}

// Rollback discards every buffered write and releases the locks.
func (t *Transaction) Rollback() error {
	if t.done {
		return ErrTransactionDone
	}
	t.finish()
	return nil
}

func (t *Transaction) finish() {
	for k := range t.locked {
		t.db.locks.release(t, k)
	}
	t.locked = nil
	t.writes = nil
	t.byKey = nil
	t.done = true
}
