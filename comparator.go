package quarrykv

import "github.com/quarrydb/quarrykv/internal/engine"

// CompareFunc is a caller-supplied three-way key ordering. Given two key
// views it returns a value <0, 0, or >0. It must be deterministic, total,
// and safe for concurrent calls; the engine invokes it from its own
// goroutines during lookups and compactions. Implementations must not
// retain the slices past the call.
type CompareFunc func(a, b []byte) int

// bridgedComparator adapts a CompareFunc into an engine comparator. The
// key views are handed through unmodified. Key shortening is disabled
// because the supplied order is opaque; separators and successors are the
// inputs themselves.
type bridgedComparator struct {
	name     string
	tolerant bool
	cmp      CompareFunc
}

func newBridgedComparator(name string, tolerant bool, cmp CompareFunc) *bridgedComparator {
	return &bridgedComparator{name: name, tolerant: tolerant, cmp: cmp}
}

func (c *bridgedComparator) Compare(a, b []byte) int { return c.cmp(a, b) }

func (c *bridgedComparator) Name() string { return c.name }

func (c *bridgedComparator) FindShortestSeparator(start, limit []byte) []byte { return start }

func (c *bridgedComparator) FindShortSuccessor(key []byte) []byte { return key }

func (c *bridgedComparator) CanKeysWithDifferentByteContentsBeEqual() bool { return c.tolerant }

var _ engine.Comparator = (*bridgedComparator)(nil)
var _ engine.EquivalenceTolerantComparator = (*bridgedComparator)(nil)
