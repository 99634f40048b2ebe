package engine

// Manual range compaction. The whole column family is rewritten into one
// bottommost table: shadowed versions and tombstones are dropped and the
// bottommost compression setting applies. Blob references are carried over
// unchanged so large values are never rewritten.

import (
	"fmt"

	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/logging"
	"github.com/quarrydb/quarrykv/internal/table"
)

// CompactRangeCF compacts the given column family. start and limit narrow
// the range a caller cares about; the rewrite always covers the whole
// family so they only serve as documentation of intent.
func (db *TransactionDB) CompactRangeCF(h *ColumnFamilyHandle, start, limit []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	cf := h.cf

	// Fold the memtable in first so the rewrite sees every version.
	if !cf.mem.Empty() {
		if err := db.flushAllLocked(); err != nil {
			return err
		}
	}
	if len(cf.l0)+len(cf.bottom) == 0 {
		return nil
	}

	ctype := cf.opts.BottommostCompression
	if ctype == compression.None {
		ctype = cf.opts.Compression
	}

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
		Compression:   ctype,
		FormatVersion: uint32(bbt.FormatVersion),
		FilterBuilder: fb,
		BytesPerSync:  int64(db.opts.BytesPerSync),
	})

	abandon := func() {
		f.Close()
		db.fs.Remove(tableFileName(db.dir, fileNum))
	}

	// Merge all tables newest first; after the flush above the memtable
	// source is empty.
	sources := make([]internalIterator, 0, len(cf.l0)+len(cf.bottom))
	for _, th := range cf.tables() {
		it := th.reader.NewIterator()
		it.First()
		sources = append(sources, it)
	}
	var lastKey []byte
	haveLast := false
	for {
		var best internalIterator
		for _, s := range sources {
			if !s.Valid() {
				continue
			}
			if best == nil || cf.cmp.Compare(s.Key(), best.Key()) < 0 {
				best = s
			}
		}
		if best == nil {
			break
		}
		key := best.Key()
		newest := !haveLast || cf.cmp.Compare(key, lastKey) != 0
		if newest {
			lastKey = append(lastKey[:0], key...)
			haveLast = true
			if best.Kind() != dbformat.KindDeletion {
				if err := w.Add(best.Kind(), key, best.Value()); err != nil {
					abandon()
					return err
				}
				if fkey, ok := cf.filterKey(key); ok {
					w.AddFilterKey(fkey)
				}
			}
		}
		best.Next()
	}

	if w.EntryCount() == 0 {
		// Everything was deleted; no output table.
		abandon()
		return db.replaceTablesLocked(cf, nil)
	}
	if err := w.Finish(); err != nil {
		abandon()
		return err
	}
	if err := f.Close(); err != nil {
		abandon()
		return fmt.Errorf("engine: close table %06d: %w", fileNum, err)
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

	db.stats.recordTick(TickerCompactionCount, 1)
	db.logger.Infof("%scolumn family %q: %d tables into table %06d (%d entries, %d bytes)",
		logging.NSCompact, cf.name, len(sources), fileNum, w.EntryCount(), w.FileSize())
	return db.replaceTablesLocked(cf, &tableHandle{num: fileNum, reader: r})
}

// replaceTablesLocked swaps every table of cf for the single bottommost
// output (nil when the compaction produced nothing) and persists the
// manifest before deleting the inputs.
func (db *TransactionDB) replaceTablesLocked(cf *columnFamily, out *tableHandle) error {
	old := cf.tables()
	cf.l0 = nil
	if out != nil {
		cf.bottom = []*tableHandle{out}
	} else {
		cf.bottom = nil
	}

	cs := db.cfStateLocked(cf.id)
	cs.L0Tables = nil
	cs.BottomTables = nil
	if out != nil {
		cs.BottomTables = []uint64{out.num}
	}
	if err := db.writeManifestLocked(); err != nil {
		return err
	}

	for _, th := range old {
		th.reader.Close()
		if err := db.fs.Remove(tableFileName(db.dir, th.num)); err != nil {
			db.logger.Warnf("%sremove table %06d: %v", logging.NSCompact, th.num, err)
		}
	}
	return nil
}
