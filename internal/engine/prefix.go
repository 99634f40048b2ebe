package engine

import "fmt"

// PrefixExtractor maps keys to the prefix used for bloom filtering. Keys
// outside the domain are not filtered.
type PrefixExtractor interface {
	Name() string
	InDomain(key []byte) bool
	Transform(key []byte) []byte
}

type fixedPrefixTransform struct {
	n int
}

// NewFixedPrefixTransform extracts the first n bytes of a key. Keys shorter
// than n are out of domain.
func NewFixedPrefixTransform(n int) PrefixExtractor {
	return fixedPrefixTransform{n: n}
}

func (t fixedPrefixTransform) Name() string {
	return fmt.Sprintf("rocksdb.FixedPrefix.%d", t.n)
}

func (t fixedPrefixTransform) InDomain(key []byte) bool { return len(key) >= t.n }

func (t fixedPrefixTransform) Transform(key []byte) []byte { return key[:t.n] }

type cappedPrefixTransform struct {
	n int
}

// NewCappedPrefixTransform extracts at most n bytes of a key. Every key is
// in domain; shorter keys map to themselves.
func NewCappedPrefixTransform(n int) PrefixExtractor {
	return cappedPrefixTransform{n: n}
}

func (t cappedPrefixTransform) Name() string {
	return fmt.Sprintf("rocksdb.CappedPrefix.%d", t.n)
}

func (t cappedPrefixTransform) InDomain(key []byte) bool { return true }

func (t cappedPrefixTransform) Transform(key []byte) []byte {
	if len(key) <= t.n {
		return key
	}
	return key[:t.n]
}
