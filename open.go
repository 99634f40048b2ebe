package quarrykv

import (
	"fmt"

	"github.com/quarrydb/quarrykv/internal/engine"
	"github.com/quarrydb/quarrykv/internal/logging"
)

// RelationKeyspaceName is the on-disk name of the second keyspace. The
// first keyspace uses the engine's default name.
const RelationKeyspaceName = "relation"

// Open translates opts into tuned profiles, opens the store, and returns
// its handle. Both keyspaces use the default byte order.
func Open(opts DbOpts) (*DbHandle, error) {
	return OpenWithComparators(opts, nil, nil)
}

// OpenWithComparators opens the store with a custom key order per
// keyspace. pri orders the primary keyspace, snd the relation keyspace; a
// nil function keeps the default byte order for its keyspace. Comparator
// names and tolerance flags come from opts and are an on-disk identity:
// reopening an existing keyspace under a different name fails.
//
// On failure no handle is constructed and nothing is retained; the
// returned error carries the engine's description.
func OpenWithComparators(opts DbOpts, pri, snd CompareFunc) (*DbHandle, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("quarrykv: open: path is empty")
	}

	ep, priProf, sndProf, comparators := buildProfiles(opts, pri, snd)

	logger := logging.OrDefault(opts.Logger)
	stats := engine.NewStatistics()
	engineOpts := ep.db
	engineOpts.Logger = logger
	engineOpts.Statistics = stats

	descriptors := []engine.ColumnFamilyDescriptor{
		{Name: engine.DefaultColumnFamilyName, Options: priProf.opts},
		{Name: RelationKeyspaceName, Options: sndProf.opts},
	}

	db, handles, err := engine.OpenTransactionDB(opts.Path, &engineOpts, engine.TransactionDBOptions{}, descriptors)
	if err != nil {
		// Bridged comparators hold no resources beyond the slice
		// dropped here; nothing survives a failed open.
		return nil, fmt.Errorf("quarrykv: open %s: %w", opts.Path, err)
	}

	return &DbHandle{
		db:            db,
		pri:           handles[0],
		snd:           handles[1],
		comparators:   comparators,
		path:          opts.Path,
		destroyOnExit: opts.DestroyOnExit,
		logger:        logger,
		stats:         stats,
	}, nil
}

// buildProfiles applies the caller's overrides onto the default profiles
// in their required order and returns the finished profiles plus any
// comparators constructed along the way.
func buildProfiles(opts DbOpts, pri, snd CompareFunc) (engineProfile, keyspaceProfile, keyspaceProfile, []engine.Comparator) {
	ep := defaultEngineProfile()
	priProf := defaultKeyspaceProfile()
	sndProf := defaultKeyspaceProfile()

	if opts.PrepareForBulkLoad {
		ep = ep.withBulkLoad()
		priProf = priProf.withBulkLoad()
		sndProf = sndProf.withBulkLoad()
	}
	if opts.IncreaseParallelism > 0 {
		ep = ep.withParallelism(opts.IncreaseParallelism)
	}
	if opts.OptimizeLevelStyleCompaction {
		ep = ep.withLevelStyleOptimization()
		priProf = priProf.withLevelStyleOptimization()
		sndProf = sndProf.withLevelStyleOptimization()
	}

	ep = ep.withCreateIfMissing(opts.CreateIfMissing).withParanoidChecks(opts.ParanoidChecks)

	if opts.EnableBlobFiles {
		blob := blobSettings{
			minBlobSize:       opts.MinBlobSize,
			blobFileSize:      opts.BlobFileSize,
			garbageCollection: opts.EnableBlobGarbageCollection,
		}
		ep = ep.withBlobFiles(blob)
		priProf = priProf.withBlobFiles(blob)
		sndProf = sndProf.withBlobFiles(blob)
	}

	if opts.UseBloomFilter {
		// One shared filter policy, replacing the baseline table layout
		// in all three profiles.
		bbt := sharedTableOptions(opts.BloomFilterBitsPerKey, opts.BloomFilterWholeKeyFiltering)
		ep = ep.withTableOptions(bbt)
		priProf = priProf.withTableOptions(bbt)
		sndProf = sndProf.withTableOptions(bbt)
	}

	if opts.PriUseCappedPrefixExtractor {
		priProf = priProf.withCappedPrefix(opts.PriCappedPrefixLen)
	}
	if opts.PriUseFixedPrefixExtractor {
		priProf = priProf.withFixedPrefix(opts.PriFixedPrefixLen)
	}
	if opts.SndUseCappedPrefixExtractor {
		sndProf = sndProf.withCappedPrefix(opts.SndCappedPrefixLen)
	}
	if opts.SndUseFixedPrefixExtractor {
		sndProf = sndProf.withFixedPrefix(opts.SndFixedPrefixLen)
	}

	var comparators []engine.Comparator
	if pri != nil {
		cmp := newBridgedComparator(opts.PriComparatorName, opts.PriComparatorDifferentBytesEqual, pri)
		priProf = priProf.withComparator(cmp)
		comparators = append(comparators, cmp)
	}
	if snd != nil {
		cmp := newBridgedComparator(opts.SndComparatorName, opts.SndComparatorDifferentBytesEqual, snd)
		sndProf = sndProf.withComparator(cmp)
		comparators = append(comparators, cmp)
	}

	// Both keyspaces are provisioned on first open regardless of caller
	// configuration.
	ep = ep.withCreateMissingKeyspaces()

	return ep, priProf, sndProf, comparators
}
