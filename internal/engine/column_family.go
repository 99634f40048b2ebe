package engine

import (
	"github.com/quarrydb/quarrykv/internal/memtable"
)

// DefaultColumnFamilyName is the name of the column family every database
// has.
const DefaultColumnFamilyName = "default"

// ColumnFamilyDescriptor names a column family and its options for open.
type ColumnFamilyDescriptor struct {
	Name    string
	Options ColumnFamilyOptions
}

// ColumnFamilyHandle refers to an open column family. Handles are only
// valid while the database that returned them is open.
type ColumnFamilyHandle struct {
	cf *columnFamily
}

// ID returns the column family's stable numeric id.
func (h *ColumnFamilyHandle) ID() uint32 { return h.cf.id }

// Name returns the column family's name.
func (h *ColumnFamilyHandle) Name() string { return h.cf.name }

// columnFamily is the engine-side state of one column family.
type columnFamily struct {
	id   uint32
	name string
	opts ColumnFamilyOptions
	cmp  Comparator

	// wholeKeyFilter is the effective whole-key filtering setting after
	// accounting for comparator equivalence tolerance.
	wholeKeyFilter bool

	mem *memtable.MemTable

	// l0 holds flushed tables newest first; bottom holds the output of
	// range compactions, oldest data.
	l0     []*tableHandle
	bottom []*tableHandle
}

func newColumnFamily(id uint32, name string, opts ColumnFamilyOptions) *columnFamily {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = BytewiseComparator()
	}
	cf := &columnFamily{
		id:   id,
		name: name,
		opts: opts,
		cmp:  cmp,
	}
	cf.wholeKeyFilter = opts.BlockBasedTableOptions.WholeKeyFiltering && !comparatorTolerant(cmp)
	cf.mem = memtable.New(cmp.Compare)
	return cf
}

// filterKey maps a key to the bytes tested against a table's bloom filter.
// The second return reports whether the filter applies to this key at all.
func (cf *columnFamily) filterKey(key []byte) ([]byte, bool) {
	if ext := cf.opts.PrefixExtractor; ext != nil {
		if ext.InDomain(key) {
			return ext.Transform(key), true
		}
		return nil, false
	}
	if cf.wholeKeyFilter {
		return key, true
	}
	return nil, false
}

// tables returns the point lookup search order, newest data first.
func (cf *columnFamily) tables() []*tableHandle {
	out := make([]*tableHandle, 0, len(cf.l0)+len(cf.bottom))
	out = append(out, cf.l0...)
	out = append(out, cf.bottom...)
	return out
}
