package quarrykv

// Option profiles. Profiles are value types; every override step takes the
// profile by value and returns the updated copy, so the order the
// orchestrator applies them in is visible at the call sites and a finished
// profile can never be mutated behind the engine's back.

import (
	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/engine"
	"github.com/quarrydb/quarrykv/internal/filter"
)

// levelStyleMemtableBudget is the memory budget handed to the level-style
// compaction optimization.
const levelStyleMemtableBudget = 512 << 20

// engineProfile is the store-wide tuning profile. It carries the shared
// engine options plus a baseline keyspace profile so store-wide overrides
// and keyspace overrides stay symmetric.
type engineProfile struct {
	db   engine.Options
	base engine.ColumnFamilyOptions
}

// keyspaceProfile is the tuning profile of one keyspace.
type keyspaceProfile struct {
	opts engine.ColumnFamilyOptions
}

// baselineKeyspaceOptions is the fixed tuning every profile starts from:
// fast compression in the upper levels with stronger compression at the
// bottom, dynamic level sizing, compaction picked by overlapping ratio, and
// 16 KiB table blocks with index and filter blocks cached and pinned.
func baselineKeyspaceOptions() engine.ColumnFamilyOptions {
	opts := engine.NewColumnFamilyOptions()
	opts.Compression = compression.LZ4
	opts.BottommostCompression = compression.Zstd
	opts.LevelCompactionDynamicLevelBytes = true
	opts.CompactionPri = engine.CompactionPriMinOverlappingRatio
	opts.BlockBasedTableOptions = engine.BlockBasedTableOptions{
		BlockSize:                        16 << 10,
		WholeKeyFiltering:                true,
		CacheIndexAndFilterBlocks:        true,
		PinL0FilterAndIndexBlocksInCache: true,
		FormatVersion:                    5,
	}
	return opts
}

// defaultEngineProfile returns the store-wide baseline: four background
// compaction threads, two background flush threads, and incremental file
// syncs every MiB.
func defaultEngineProfile() engineProfile {
	db := engine.NewOptions()
	db.MaxBackgroundCompactions = 4
	db.MaxBackgroundFlushes = 2
	db.BytesPerSync = 1 << 20
	return engineProfile{db: *db, base: baselineKeyspaceOptions()}
}

// defaultKeyspaceProfile returns the per-keyspace baseline.
func defaultKeyspaceProfile() keyspaceProfile {
	return keyspaceProfile{opts: baselineKeyspaceOptions()}
}

func (p engineProfile) withBulkLoad() engineProfile {
	p.base = p.base.PrepareForBulkLoad()
	return p
}

func (p keyspaceProfile) withBulkLoad() keyspaceProfile {
	p.opts = p.opts.PrepareForBulkLoad()
	return p
}

func (p engineProfile) withParallelism(threads int) engineProfile {
	p.db.IncreaseParallelism(threads)
	return p
}

func (p engineProfile) withLevelStyleOptimization() engineProfile {
	p.base = p.base.OptimizeLevelStyleCompaction(levelStyleMemtableBudget)
	return p
}

func (p keyspaceProfile) withLevelStyleOptimization() keyspaceProfile {
	p.opts = p.opts.OptimizeLevelStyleCompaction(levelStyleMemtableBudget)
	return p
}

func (p engineProfile) withCreateIfMissing(create bool) engineProfile {
	p.db.CreateIfMissing = create
	return p
}

func (p engineProfile) withParanoidChecks(paranoid bool) engineProfile {
	p.db.ParanoidChecks = paranoid
	return p
}

func (p engineProfile) withCreateMissingKeyspaces() engineProfile {
	p.db.CreateMissingColumnFamilies = true
	return p
}

// blobSettings is the blob configuration propagated identically to every
// profile.
type blobSettings struct {
	minBlobSize       int
	blobFileSize      int64
	garbageCollection bool
}

func applyBlob(opts engine.ColumnFamilyOptions, b blobSettings) engine.ColumnFamilyOptions {
	opts.EnableBlobFiles = true
	opts.MinBlobSize = b.minBlobSize
	opts.BlobFileSize = b.blobFileSize
	opts.EnableBlobGarbageCollection = b.garbageCollection
	opts.BlobCompressionType = compression.LZ4
	return opts
}

func (p engineProfile) withBlobFiles(b blobSettings) engineProfile {
	p.base = applyBlob(p.base, b)
	return p
}

func (p keyspaceProfile) withBlobFiles(b blobSettings) keyspaceProfile {
	p.opts = applyBlob(p.opts, b)
	return p
}

// sharedTableOptions builds the bloom-filter-backed table layout installed
// over the baseline one. The filter policy is constructed once and shared
// by every profile; the rest of the layout starts over from the engine
// defaults, matching the replace-the-whole-factory semantics.
func sharedTableOptions(bitsPerKey int, wholeKey bool) engine.BlockBasedTableOptions {
	bbt := engine.NewColumnFamilyOptions().BlockBasedTableOptions
	bbt.FilterPolicy = filter.NewBloomPolicy(bitsPerKey)
	bbt.WholeKeyFiltering = wholeKey
	return bbt
}

func (p engineProfile) withTableOptions(bbt engine.BlockBasedTableOptions) engineProfile {
	p.base.BlockBasedTableOptions = bbt
	return p
}

func (p keyspaceProfile) withTableOptions(bbt engine.BlockBasedTableOptions) keyspaceProfile {
	p.opts.BlockBasedTableOptions = bbt
	return p
}

func (p keyspaceProfile) withCappedPrefix(n int) keyspaceProfile {
	p.opts.PrefixExtractor = engine.NewCappedPrefixTransform(n)
	return p
}

func (p keyspaceProfile) withFixedPrefix(n int) keyspaceProfile {
	p.opts.PrefixExtractor = engine.NewFixedPrefixTransform(n)
	return p
}

func (p keyspaceProfile) withComparator(cmp engine.Comparator) keyspaceProfile {
	p.opts.Comparator = cmp
	return p
}
