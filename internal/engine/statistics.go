package engine

import "sync/atomic"

// TickerType names a monotonically increasing engine counter.
type TickerType int

const (
	// TickerBloomFilterUseful counts point lookups a bloom filter rejected
	// without any block read.
	TickerBloomFilterUseful TickerType = iota

	// TickerBloomFilterChecked counts point lookups tested against a
	// bloom filter.
	TickerBloomFilterChecked

	// TickerBytesWritten counts user payload bytes written through the
	// write path.
	TickerBytesWritten

	// TickerBytesRead counts value bytes returned by point lookups.
	TickerBytesRead

	// TickerFlushCount counts memtable flushes.
	TickerFlushCount

	// TickerCompactionCount counts range compactions.
	TickerCompactionCount

	// TickerBlobBytesWritten counts value bytes spilled to blob files.
	TickerBlobBytesWritten

	// TickerWALSyncs counts WAL fsync calls.
	TickerWALSyncs

	numTickers
)

// Statistics accumulates engine counters. All methods are safe for
// concurrent use. A nil *Statistics discards every tick.
type Statistics struct {
	counters [numTickers]atomic.Uint64
}

// NewStatistics returns an empty counter set.
func NewStatistics() *Statistics { return &Statistics{} }

func (s *Statistics) recordTick(t TickerType, n uint64) {
	if s == nil {
		return
	}
	s.counters[t].Add(n)
}

// GetTickerCount returns the current value of a counter.
func (s *Statistics) GetTickerCount(t TickerType) uint64 {
	if s == nil {
		return 0
	}
	return s.counters[t].Load()
}

// Reset zeroes every counter.
func (s *Statistics) Reset() {
	if s == nil {
		return
	}
	for i := range s.counters {
		s.counters[i].Store(0)
	}
}
