// Package checksum provides the XXH3-based checksums used for data blocks
// and log records.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// Sum64 returns the 64-bit XXH3 hash of data.
func Sum64(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Sum64Parts returns the 64-bit XXH3 hash of the concatenation of parts,
// without materializing the concatenation.
func Sum64Parts(parts ...[]byte) uint64 {
	h := xxh3.New()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum64()
}

// Verify reports whether data hashes to want.
func Verify(data []byte, want uint64) bool {
	return xxh3.Hash(data) == want
}
