package engine

import (
	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/logging"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

// CompactionPri selects which file a level compaction picks first.
type CompactionPri int

const (
	// CompactionPriByCompensatedSize picks the largest file first.
	CompactionPriByCompensatedSize CompactionPri = iota

	// CompactionPriOldestLargestSeqFirst picks the file with the oldest
	// largest sequence number.
	CompactionPriOldestLargestSeqFirst

	// CompactionPriOldestSmallestSeqFirst picks the file with the oldest
	// smallest sequence number.
	CompactionPriOldestSmallestSeqFirst

	// CompactionPriMinOverlappingRatio picks the file overlapping the
	// least data in the next level. Best default for most workloads.
	CompactionPriMinOverlappingRatio
)

// BlockBasedTableOptions configures the table file format of one column
// family.
type BlockBasedTableOptions struct {
	// BlockSize is the uncompressed size target of a data block.
	BlockSize int

	// FilterPolicy enables a bloom filter block when non-nil.
	FilterPolicy *filter.BloomPolicy

	// WholeKeyFiltering adds whole keys to the filter in addition to
	// prefixes. Must be off when the comparator can equate keys with
	// different bytes.
	WholeKeyFiltering bool

	// CacheIndexAndFilterBlocks keeps index and filter blocks in memory
	// for the lifetime of the table reader.
	CacheIndexAndFilterBlocks bool

	// PinL0FilterAndIndexBlocksInCache pins level-0 index and filter
	// blocks so point lookups never re-read them.
	PinL0FilterAndIndexBlocksInCache bool

	// FormatVersion selects the table file format revision.
	FormatVersion int
}

// ColumnFamilyOptions configures one column family.
type ColumnFamilyOptions struct {
	Comparator      Comparator
	PrefixExtractor PrefixExtractor

	Compression           compression.Type
	BottommostCompression compression.Type

	WriteBufferSize      int
	MaxWriteBufferNumber int

	NumLevels                        int
	Level0FileNumCompactionTrigger   int
	TargetFileSizeBase               int64
	MaxBytesForLevelBase             int64
	LevelCompactionDynamicLevelBytes bool
	CompactionPri                    CompactionPri
	DisableAutoCompactions           bool

	EnableBlobFiles             bool
	MinBlobSize                 int
	BlobFileSize                int64
	BlobCompressionType         compression.Type
	EnableBlobGarbageCollection bool

	BlockBasedTableOptions BlockBasedTableOptions
}

// NewColumnFamilyOptions returns column family options with the engine
// defaults.
func NewColumnFamilyOptions() ColumnFamilyOptions {
	return ColumnFamilyOptions{
		Comparator:                     BytewiseComparator(),
		Compression:                    compression.Snappy,
		BottommostCompression:          compression.None,
		WriteBufferSize:                64 << 20,
		MaxWriteBufferNumber:           2,
		NumLevels:                      7,
		Level0FileNumCompactionTrigger: 4,
		TargetFileSizeBase:             64 << 20,
		MaxBytesForLevelBase:           256 << 20,
		CompactionPri:                  CompactionPriByCompensatedSize,
		BlobFileSize:                   256 << 20,
		BlockBasedTableOptions: BlockBasedTableOptions{
			BlockSize:         4 << 10,
			WholeKeyFiltering: true,
			FormatVersion:     2,
		},
	}
}

// OptimizeLevelStyleCompaction sizes the write buffers and level targets
// for a level-style compaction workload under the given memtable budget.
func (o ColumnFamilyOptions) OptimizeLevelStyleCompaction(memtableBudget uint64) ColumnFamilyOptions {
	o.WriteBufferSize = int(memtableBudget / 4)
	o.MaxWriteBufferNumber = 6
	o.TargetFileSizeBase = int64(memtableBudget / 8)
	o.MaxBytesForLevelBase = int64(memtableBudget)
	return o
}

// Options configures the engine as a whole.
type Options struct {
	CreateIfMissing             bool
	CreateMissingColumnFamilies bool
	ErrorIfExists               bool
	ParanoidChecks              bool

	MaxBackgroundCompactions int
	MaxBackgroundFlushes     int

	// BytesPerSync incrementally syncs table files as they are written,
	// every this many bytes. Zero disables.
	BytesPerSync int

	Statistics *Statistics
	Logger     logging.Logger

	// FS defaults to the host filesystem.
	FS vfs.FS
}

// NewOptions returns engine options with the defaults.
func NewOptions() *Options {
	return &Options{
		MaxBackgroundCompactions: 1,
		MaxBackgroundFlushes:     1,
	}
}

// IncreaseParallelism raises the background thread budget to total threads,
// reserving one for flushes.
func (o *Options) IncreaseParallelism(total int) {
	if total < 1 {
		total = 1
	}
	o.MaxBackgroundCompactions = total
	if o.MaxBackgroundFlushes < 1 {
		o.MaxBackgroundFlushes = 1
	}
}

// PrepareForBulkLoad trades read and space amplification for ingest
// throughput: compactions are deferred until an explicit compact call.
func (o ColumnFamilyOptions) PrepareForBulkLoad() ColumnFamilyOptions {
	o.DisableAutoCompactions = true
	o.WriteBufferSize = 256 << 20
	o.MaxWriteBufferNumber = 8
	o.Level0FileNumCompactionTrigger = 1 << 30
	return o
}

func (o *Options) fs() vfs.FS {
	if o.FS != nil {
		return o.FS
	}
	return vfs.Default()
}

func (o *Options) logger() logging.Logger {
	return logging.OrDefault(o.Logger)
}
