package engine

import "bytes"

// Comparator defines a total order over user keys. Implementations must be
// safe for concurrent use. The name is persisted in the manifest and checked
// on reopen so a database is never read with the wrong order.
type Comparator interface {
	// Compare returns a value <0, 0, or >0 as a sorts before, equal to,
	// or after b.
	Compare(a, b []byte) int

	// Name identifies the comparator. Changing the order of an existing
	// comparator requires changing its name.
	Name() string

	// FindShortestSeparator returns a key k with start <= k < limit when
	// one shorter than start exists, else start.
	FindShortestSeparator(start, limit []byte) []byte

	// FindShortSuccessor returns a key >= key, preferably shorter.
	FindShortSuccessor(key []byte) []byte
}

// EquivalenceTolerantComparator is implemented by comparators that may
// report two byte-wise different keys as equal. The engine consults it to
// disable whole-key bloom filtering, which would otherwise miss such keys.
type EquivalenceTolerantComparator interface {
	CanKeysWithDifferentByteContentsBeEqual() bool
}

type bytewiseComparator struct{}

// BytewiseComparator orders keys lexicographically by their raw bytes.
func BytewiseComparator() Comparator { return bytewiseComparator{} }

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (bytewiseComparator) Name() string { return "leveldb.BytewiseComparator" }

func (bytewiseComparator) FindShortestSeparator(start, limit []byte) []byte {
	n := len(start)
	if len(limit) < n {
		n = len(limit)
	}
	i := 0
	for i < n && start[i] == limit[i] {
		i++
	}
	if i >= n {
		// One is a prefix of the other; no shortening possible.
		return start
	}
	if start[i] < 0xff && start[i]+1 < limit[i] {
		out := append([]byte(nil), start[:i+1]...)
		out[i]++
		return out
	}
	return start
}

func (bytewiseComparator) FindShortSuccessor(key []byte) []byte {
	for i := 0; i < len(key); i++ {
		if key[i] != 0xff {
			out := append([]byte(nil), key[:i+1]...)
			out[i]++
			return out
		}
	}
	return key
}

// comparatorTolerant reports whether cmp may equate byte-wise different keys.
func comparatorTolerant(cmp Comparator) bool {
	if t, ok := cmp.(EquivalenceTolerantComparator); ok {
		return t.CanKeysWithDifferentByteContentsBeEqual()
	}
	return false
}
