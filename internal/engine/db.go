// Package engine implements a transactional LSM key/value store with named
// column families.
//
// A database directory holds a CURRENT pointer, msgpack manifests, one
// write-ahead log shared by every column family, sorted table files, and
// blob files for large values. Writes go to the log and a per-family
// memtable; memtables flush to level-0 tables, and an explicit range
// compaction rewrites a family into a single bottommost table.
package engine

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/logging"
	"github.com/quarrydb/quarrykv/internal/memtable"
	"github.com/quarrydb/quarrykv/internal/table"
	"github.com/quarrydb/quarrykv/internal/vfs"
	"github.com/quarrydb/quarrykv/internal/wal"
)

var (
	// ErrNotFound reports that a key has no value.
	ErrNotFound = errors.New("engine: key not found")

	// ErrClosed reports use of a closed database.
	ErrClosed = errors.New("engine: database is closed")

	// ErrComparatorMismatch reports opening a column family with a
	// comparator other than the one it was created with.
	ErrComparatorMismatch = errors.New("engine: comparator name mismatch")
)

// WriteOptions controls durability of a write.
type WriteOptions struct {
	// Sync forces an fsync of the write-ahead log before returning.
	Sync bool
}

// ReadOptions controls a read. Present for call-site symmetry; all reads
// currently see the latest committed state.
type ReadOptions struct{}

// FlushOptions controls a memtable flush.
type FlushOptions struct {
	// Wait is accepted for interface compatibility; flushes are always
	// synchronous.
	Wait bool
}

// tableHandle pairs a table file number with its open reader.
type tableHandle struct {
	num    uint64
	reader *table.Reader
}

// TransactionDB is an open database. All exported methods are safe for
// concurrent use.
type TransactionDB struct {
	dir     string
	fs      vfs.FS
	opts    *Options
	txnOpts TransactionDBOptions
	logger  logging.Logger
	stats   *Statistics

	mu       sync.Mutex
	fileLock io.Closer

	manifest    *manifestState
	manifestNum uint64

	cfs    []*columnFamily
	cfByID map[uint32]*columnFamily

	wal    *wal.Writer
	walNum uint64
	seq    dbformat.SequenceNumber

	locks lockManager

	closed bool
}

// OpenTransactionDB opens or creates the database at dir with the given
// column families. The returned handles are in descriptor order. On error
// no files or locks are left held.
func OpenTransactionDB(dir string, opts *Options, txnOpts TransactionDBOptions, descriptors []ColumnFamilyDescriptor) (*TransactionDB, []*ColumnFamilyHandle, error) {
	if opts == nil {
		opts = NewOptions()
	}
	txnOpts = txnOpts.withDefaults()
	if len(descriptors) == 0 {
		return nil, nil, fmt.Errorf("engine: open %s: no column families given", dir)
	}
	hasDefault := false
	for _, d := range descriptors {
		if d.Name == DefaultColumnFamilyName {
			hasDefault = true
		}
	}
	if !hasDefault {
		return nil, nil, fmt.Errorf("engine: open %s: descriptors must include %q", dir, DefaultColumnFamilyName)
	}

	fs := opts.fs()
	logger := opts.logger()

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("engine: open %s: %w", dir, err)
	}
	fileLock, err := fs.Lock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("engine: open %s: lock held by another process: %w", dir, err)
	}

	db := &TransactionDB{
		dir:      dir,
		fs:       fs,
		opts:     opts,
		txnOpts:  txnOpts,
		logger:   logger,
		stats:    opts.Statistics,
		fileLock: fileLock,
		cfByID:   make(map[uint32]*columnFamily),
	}
	db.locks.init()

	handles, err := db.openLocked(descriptors)
	if err != nil {
		db.releaseLocked()
		return nil, nil, err
	}
	return db, handles, nil
}

func (db *TransactionDB) openLocked(descriptors []ColumnFamilyDescriptor) ([]*ColumnFamilyHandle, error) {
	exists := db.fs.Exists(filepath.Join(db.dir, currentFileName))
	if exists && db.opts.ErrorIfExists {
		return nil, fmt.Errorf("engine: open %s: database already exists", db.dir)
	}
	if !exists && !db.opts.CreateIfMissing {
		return nil, fmt.Errorf("engine: open %s: database does not exist and create_if_missing is false", db.dir)
	}

	if exists {
		st, num, err := readManifest(db.fs, db.dir)
		if err != nil {
			return nil, err
		}
		db.manifest = st
		db.manifestNum = num
	} else {
		db.manifest = &manifestState{NextFileNumber: 1, NextCFID: 0}
	}
	db.seq = dbformat.SequenceNumber(db.manifest.LastSequence)

	byName := make(map[string]*columnFamilyState, len(db.manifest.ColumnFamilies))
	for i := range db.manifest.ColumnFamilies {
		cs := &db.manifest.ColumnFamilies[i]
		byName[cs.Name] = cs
	}
	// Every existing column family must be opened so log replay can route
	// its records.
	for name := range byName {
		found := false
		for _, d := range descriptors {
			if d.Name == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("engine: open %s: column family %q exists but was not opened", db.dir, name)
		}
	}

	handles := make([]*ColumnFamilyHandle, 0, len(descriptors))
	for _, d := range descriptors {
		cmp := d.Options.Comparator
		if cmp == nil {
			cmp = BytewiseComparator()
		}
		cmpName := cmp.Name()

		cs, ok := byName[d.Name]
		if !ok {
			if d.Name != DefaultColumnFamilyName && !db.opts.CreateMissingColumnFamilies {
				return nil, fmt.Errorf("engine: open %s: column family %q does not exist and create_missing_column_families is false", db.dir, d.Name)
			}
			db.manifest.ColumnFamilies = append(db.manifest.ColumnFamilies, columnFamilyState{
				ID:             db.manifest.NextCFID,
				Name:           d.Name,
				ComparatorName: cmpName,
			})
			cs = &db.manifest.ColumnFamilies[len(db.manifest.ColumnFamilies)-1]
			byName[d.Name] = cs
			db.manifest.NextCFID++
		} else if cs.ComparatorName != cmpName {
			return nil, fmt.Errorf("%w: column family %q was created with %q, opened with %q",
				ErrComparatorMismatch, d.Name, cs.ComparatorName, cmpName)
		}

		cf := newColumnFamily(cs.ID, d.Name, d.Options)
		if err := db.openTablesLocked(cf, cs); err != nil {
			return nil, err
		}
		db.cfs = append(db.cfs, cf)
		db.cfByID[cf.id] = cf
		handles = append(handles, &ColumnFamilyHandle{cf: cf})
	}

	if err := db.recoverWALLocked(); err != nil {
		return nil, err
	}

	// Start a fresh log; recovered data was flushed, so the old log is
	// no longer needed.
	oldWAL := db.manifest.WALNumber
	db.walNum = db.allocFileNumberLocked()
	wf, err := db.fs.Create(walFileName(db.dir, db.walNum))
	if err != nil {
		return nil, fmt.Errorf("engine: create log: %w", err)
	}
	db.wal = wal.NewWriter(wf)
	db.manifest.WALNumber = db.walNum
	if err := db.writeManifestLocked(); err != nil {
		return nil, err
	}
	if oldWAL != 0 {
		if err := db.fs.Remove(walFileName(db.dir, oldWAL)); err != nil {
			db.logger.Warnf("%sremove old log %06d: %v", logging.NSRecovery, oldWAL, err)
		}
	}

	db.logger.Infof("%sopened %s with %d column families, last sequence %d",
		logging.NSDB, db.dir, len(db.cfs), db.seq)
	return handles, nil
}

// openTablesLocked opens the readers for every table the manifest lists for
// one column family.
func (db *TransactionDB) openTablesLocked(cf *columnFamily, cs *columnFamilyState) error {
	open := func(num uint64) (*tableHandle, error) {
		f, err := db.fs.OpenRandomAccess(tableFileName(db.dir, num))
		if err != nil {
			return nil, fmt.Errorf("engine: open table %06d: %w", num, err)
		}
		r, err := table.OpenReader(f, table.ReaderOptions{
			Compare:   cf.cmp.Compare,
			FilterKey: cf.filterKey,
		})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("engine: open table %06d: %w", num, err)
		}
		if db.opts.ParanoidChecks {
			if err := verifyTable(r); err != nil {
				r.Close()
				return nil, fmt.Errorf("engine: verify table %06d: %w", num, err)
			}
		}
		return &tableHandle{num: num, reader: r}, nil
	}
	for _, num := range cs.L0Tables {
		th, err := open(num)
		if err != nil {
			return err
		}
		cf.l0 = append(cf.l0, th)
	}
	for _, num := range cs.BottomTables {
		th, err := open(num)
		if err != nil {
			return err
		}
		cf.bottom = append(cf.bottom, th)
	}
	return nil
}

// verifyTable walks every block of a table so each checksum is checked.
func verifyTable(r *table.Reader) error {
	it := r.NewIterator()
	for it.First(); it.Valid(); it.Next() {
	}
	return it.Err()
}

// recoverWALLocked replays the current log into the memtables and flushes
// the result so the log can be retired.
func (db *TransactionDB) recoverWALLocked() error {
	if db.manifest.WALNumber == 0 {
		return nil
	}
	name := walFileName(db.dir, db.manifest.WALNumber)
	if !db.fs.Exists(name) {
		return nil
	}
	f, err := db.fs.Open(name)
	if err != nil {
		return fmt.Errorf("engine: open log %06d: %w", db.manifest.WALNumber, err)
	}
	defer f.Close()

	var records, entries int
	r := wal.NewReader(f)
	for {
		payload, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, wal.ErrCorrupt) {
			if db.opts.ParanoidChecks {
				return fmt.Errorf("engine: log %06d: %w", db.manifest.WALNumber, err)
			}
			db.logger.Warnf("%slog %06d: corrupt record after %d records, truncating replay",
				logging.NSRecovery, db.manifest.WALNumber, records)
			break
		}
		if err != nil {
			return fmt.Errorf("engine: read log %06d: %w", db.manifest.WALNumber, err)
		}
		seq, batch, err := wal.DecodeBatch(payload)
		if err != nil {
			if db.opts.ParanoidChecks {
				return fmt.Errorf("engine: log %06d: %w", db.manifest.WALNumber, err)
			}
			db.logger.Warnf("%slog %06d: bad batch after %d records, truncating replay",
				logging.NSRecovery, db.manifest.WALNumber, records)
			break
		}
		for i, e := range batch {
			cf, ok := db.cfByID[e.CF]
			if !ok {
				return fmt.Errorf("engine: log %06d: record for unknown column family %d", db.manifest.WALNumber, e.CF)
			}
			cf.mem.Add(seq+dbformat.SequenceNumber(i), e.Kind, e.Key, e.Value)
		}
		if last := seq + dbformat.SequenceNumber(len(batch)) - 1; last > db.seq {
			db.seq = last
		}
		records++
		entries += len(batch)
	}
	if records > 0 {
		db.logger.Infof("%sreplayed %d records (%d entries) from log %06d",
			logging.NSRecovery, records, entries, db.manifest.WALNumber)
		if err := db.flushAllLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (db *TransactionDB) allocFileNumberLocked() uint64 {
	n := db.manifest.NextFileNumber
	db.manifest.NextFileNumber++
	return n
}

func (db *TransactionDB) writeManifestLocked() error {
	db.manifest.LastSequence = uint64(db.seq)
	num := db.allocFileNumberLocked()
	if err := writeManifest(db.fs, db.dir, num, db.manifest); err != nil {
		return err
	}
	if db.manifestNum != 0 {
		if err := db.fs.Remove(manifestFileName(db.dir, db.manifestNum)); err != nil {
			db.logger.Warnf("%sremove old manifest %06d: %v", logging.NSDB, db.manifestNum, err)
		}
	}
	db.manifestNum = num
	return nil
}

// cfStateLocked returns the manifest entry for a column family.
func (db *TransactionDB) cfStateLocked(id uint32) *columnFamilyState {
	for i := range db.manifest.ColumnFamilies {
		if db.manifest.ColumnFamilies[i].ID == id {
			return &db.manifest.ColumnFamilies[i]
		}
	}
	return nil
}

// PutCF writes key to the given column family.
func (db *TransactionDB) PutCF(wo *WriteOptions, h *ColumnFamilyHandle, key, value []byte) error {
	return db.Write(wo, []wal.Entry{{CF: h.cf.id, Kind: dbformat.KindValue, Key: key, Value: value}})
}

// DeleteCF removes key from the given column family.
func (db *TransactionDB) DeleteCF(wo *WriteOptions, h *ColumnFamilyHandle, key []byte) error {
	return db.Write(wo, []wal.Entry{{CF: h.cf.id, Kind: dbformat.KindDeletion, Key: key}})
}

// Write applies a batch of entries atomically.
func (db *TransactionDB) Write(wo *WriteOptions, entries []wal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writeLocked(wo, entries)
}

func (db *TransactionDB) writeLocked(wo *WriteOptions, entries []wal.Entry) error {
	if db.closed {
		return ErrClosed
	}
	for _, e := range entries {
		if _, ok := db.cfByID[e.CF]; !ok {
			return fmt.Errorf("engine: write to unknown column family %d", e.CF)
		}
	}

	first := db.seq + 1
	if err := db.wal.AddRecord(wal.EncodeBatch(first, entries)); err != nil {
		return fmt.Errorf("engine: log write: %w", err)
	}
	if wo != nil && wo.Sync {
		if err := db.wal.Sync(); err != nil {
			return fmt.Errorf("engine: log sync: %w", err)
		}
		db.stats.recordTick(TickerWALSyncs, 1)
	}

	var bytes uint64
	for i, e := range entries {
		cf := db.cfByID[e.CF]
		cf.mem.Add(first+dbformat.SequenceNumber(i), e.Kind, e.Key, e.Value)
		bytes += uint64(len(e.Key) + len(e.Value))
	}
	db.seq = first + dbformat.SequenceNumber(len(entries)) - 1
	db.stats.recordTick(TickerBytesWritten, bytes)

	return db.maybeFlushLocked()
}

// maybeFlushLocked flushes when any memtable exceeds its write buffer.
func (db *TransactionDB) maybeFlushLocked() error {
	for _, cf := range db.cfs {
		limit := int64(cf.opts.WriteBufferSize)
		if limit > 0 && cf.mem.ApproximateMemoryUsage() >= limit {
			return db.flushAllLocked()
		}
	}
	return nil
}

// GetCF returns the value of key in the given column family. ErrNotFound
// reports a missing key.
func (db *TransactionDB) GetCF(ro *ReadOptions, h *ColumnFamilyHandle, key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getLocked(h.cf, key)
}

func (db *TransactionDB) getLocked(cf *columnFamily, key []byte) ([]byte, error) {
	if db.closed {
		return nil, ErrClosed
	}
	if value, kind, found := cf.mem.Get(key, dbformat.MaxSequenceNumber); found {
		switch kind {
		case dbformat.KindDeletion:
			return nil, ErrNotFound
		case dbformat.KindBlobIndex:
			return resolveBlob(db.fs, db.dir, value)
		default:
			db.stats.recordTick(TickerBytesRead, uint64(len(value)))
			return value, nil
		}
	}
	for _, th := range cf.tables() {
		if th.reader.HasFilter() {
			db.stats.recordTick(TickerBloomFilterChecked, 1)
		}
		value, kind, status, err := th.reader.Get(key)
		if err != nil {
			return nil, err
		}
		switch status {
		case table.GetFilteredOut:
			db.stats.recordTick(TickerBloomFilterUseful, 1)
			continue
		case table.GetNotFound:
			continue
		}
		switch kind {
		case dbformat.KindDeletion:
			return nil, ErrNotFound
		case dbformat.KindBlobIndex:
			return resolveBlob(db.fs, db.dir, value)
		default:
			db.stats.recordTick(TickerBytesRead, uint64(len(value)))
			return value, nil
		}
	}
	return nil, ErrNotFound
}

// Flush writes every memtable out as a level-0 table and retires the log.
func (db *TransactionDB) Flush(fo *FlushOptions) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.flushAllLocked()
}

// flushAllLocked flushes all memtables, rotates the log, and persists the
// manifest once.
func (db *TransactionDB) flushAllLocked() error {
	flushed := false
	for _, cf := range db.cfs {
		if cf.mem.Empty() {
			continue
		}
		if err := db.flushCFLocked(cf); err != nil {
			return err
		}
		flushed = true
	}
	if !flushed {
		return nil
	}

	// All memtable contents are now in tables; the log can be replaced.
	if db.wal != nil {
		oldNum := db.walNum
		if err := db.wal.Close(); err != nil {
			return fmt.Errorf("engine: close log: %w", err)
		}
		db.walNum = db.allocFileNumberLocked()
		wf, err := db.fs.Create(walFileName(db.dir, db.walNum))
		if err != nil {
			return fmt.Errorf("engine: create log: %w", err)
		}
		db.wal = wal.NewWriter(wf)
		db.manifest.WALNumber = db.walNum
		if err := db.writeManifestLocked(); err != nil {
			return err
		}
		if err := db.fs.Remove(walFileName(db.dir, oldNum)); err != nil {
			db.logger.Warnf("%sremove old log %06d: %v", logging.NSFlush, oldNum, err)
		}
	} else if err := db.writeManifestLocked(); err != nil {
		return err
	}
	return nil
}

// flushCFLocked writes one memtable out as a level-0 table, spilling large
// values to a blob file when the column family enables them.
func (db *TransactionDB) flushCFLocked(cf *columnFamily) error {
	fileNum := db.allocFileNumberLocked()
	f, err := db.fs.Create(tableFileName(db.dir, fileNum))
	if err != nil {
		return fmt.Errorf("engine: create table %06d: %w", fileNum, err)
	}

	bbt := cf.opts.BlockBasedTableOptions
	var fb *filter.Builder
	if bbt.FilterPolicy != nil {
		fb = bbt.FilterPolicy.NewBuilder()
	}
	w := table.NewWriter(f, table.WriterOptions{
		BlockSize:     bbt.BlockSize,
		Compression:   cf.opts.Compression,
		FormatVersion: uint32(bbt.FormatVersion),
		FilterBuilder: fb,
		BytesPerSync:  int64(db.opts.BytesPerSync),
	})

	var bw *blobWriter
	abandon := func() {
		f.Close()
		db.fs.Remove(tableFileName(db.dir, fileNum))
		if bw != nil {
			bw.Abandon(db.fs, db.dir)
		}
	}

	var blobBytes uint64
	it := cf.mem.NewIterator(dbformat.MaxSequenceNumber)
	for it.First(); it.Valid(); it.Next() {
		kind, key, value := it.Kind(), it.Key(), it.Value()
		if kind == dbformat.KindValue && cf.opts.EnableBlobFiles &&
			cf.opts.MinBlobSize > 0 && len(value) >= cf.opts.MinBlobSize {
			if bw == nil {
				bw, err = newBlobWriter(db.fs, db.dir, db.allocFileNumberLocked(), cf.opts.BlobCompressionType)
				if err != nil {
					abandon()
					return err
				}
			}
			idx, err := bw.Append(value)
			if err != nil {
				abandon()
				return err
			}
			blobBytes += uint64(len(value))
			kind, value = dbformat.KindBlobIndex, idx
		}
		if err := w.Add(kind, key, value); err != nil {
			abandon()
			return err
		}
		if fkey, ok := cf.filterKey(key); ok {
			w.AddFilterKey(fkey)
		}
	}

	if err := w.Finish(); err != nil {
		abandon()
		return err
	}
	if err := f.Close(); err != nil {
		abandon()
		return fmt.Errorf("engine: close table %06d: %w", fileNum, err)
	}

	cs := db.cfStateLocked(cf.id)
	if bw != nil {
		if err := bw.Finish(); err != nil {
			abandon()
			return err
		}
		cs.BlobFiles = append(cs.BlobFiles, bw.fileNum)
		db.stats.recordTick(TickerBlobBytesWritten, blobBytes)
	}

	rf, err := db.fs.OpenRandomAccess(tableFileName(db.dir, fileNum))
	if err != nil {
		return fmt.Errorf("engine: reopen table %06d: %w", fileNum, err)
	}
	r, err := table.OpenReader(rf, table.ReaderOptions{
		Compare:   cf.cmp.Compare,
		FilterKey: cf.filterKey,
	})
	if err != nil {
		rf.Close()
		return fmt.Errorf("engine: reopen table %06d: %w", fileNum, err)
	}

	cf.l0 = append([]*tableHandle{{num: fileNum, reader: r}}, cf.l0...)
	cs.L0Tables = append([]uint64{fileNum}, cs.L0Tables...)
	entries := w.EntryCount()
	cf.mem = memtable.New(cf.cmp.Compare)
	db.stats.recordTick(TickerFlushCount, 1)
	db.logger.Infof("%scolumn family %q: %d entries to table %06d (%d bytes)",
		logging.NSFlush, cf.name, entries, fileNum, w.FileSize())
	return nil
}

// Close flushes nothing, syncs the log, and releases every file. Unflushed
// writes survive in the log and are replayed on the next open.
func (db *TransactionDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	var firstErr error
	if db.wal != nil {
		if err := db.wal.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		db.wal = nil
	}
	db.releaseLocked()
	db.closed = true
	db.logger.Infof("%sclosed %s", logging.NSDB, db.dir)
	return firstErr
}

// releaseLocked closes table readers and the directory lock.
func (db *TransactionDB) releaseLocked() {
	for _, cf := range db.cfs {
		for _, th := range cf.tables() {
			th.reader.Close()
		}
		cf.l0, cf.bottom = nil, nil
	}
	if db.fileLock != nil {
		db.fileLock.Close()
		db.fileLock = nil
	}
}

// Path returns the database directory.
func (db *TransactionDB) Path() string { return db.dir }
