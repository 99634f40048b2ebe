// Package filter implements the bloom filter block stored in table files.
//
// One full-table filter is built per file. Depending on the table options it
// holds whole keys, extracted prefixes, or both; lookups that miss the filter
// skip the file entirely.
package filter

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
)

// BloomPolicy configures filter construction.
type BloomPolicy struct {
	// BitsPerKey is the filter size budget per added key.
	BitsPerKey int
}

// NewBloomPolicy returns a policy with the given bits-per-key budget.
// Budgets below 1 are clamped to 1.
func NewBloomPolicy(bitsPerKey int) *BloomPolicy {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &BloomPolicy{BitsPerKey: bitsPerKey}
}

// Name identifies the filter format in table files.
func (p *BloomPolicy) Name() string {
	return "quarrykv.BuiltinBloomFilter"
}

// NewBuilder returns a builder that accumulates keys for one table file.
func (p *BloomPolicy) NewBuilder() *Builder {
	return &Builder{bitsPerKey: p.BitsPerKey}
}

// Builder accumulates keys and serializes the finished filter.
type Builder struct {
	keys       [][]byte
	bitsPerKey int
}

// AddKey records a key. Duplicates are fine; the filter dedups nothing.
func (b *Builder) AddKey(key []byte) {
	b.keys = append(b.keys, append([]byte(nil), key...))
}

// Empty reports whether no keys have been added.
func (b *Builder) Empty() bool {
	return len(b.keys) == 0
}

// Finish builds and serializes the filter.
func (b *Builder) Finish() ([]byte, error) {
	n := len(b.keys)
	if n == 0 {
		return nil, nil
	}
	m := uint(n * b.bitsPerKey)
	if m < 64 {
		m = 64
	}
	// k = ln(2) * bits-per-key, the optimum hash count for the budget.
	k := uint(float64(b.bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	bf := bloom.New(m, k)
	for _, key := range b.keys {
		bf.Add(key)
	}

	var buf bytes.Buffer
	if _, err := bf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("filter: serialize bloom: %w", err)
	}
	return buf.Bytes(), nil
}

// Filter is a deserialized filter block ready for lookups.
type Filter struct {
	bf *bloom.BloomFilter
}

// Parse deserializes a filter block. Empty data yields a nil Filter, which
// matches everything.
func Parse(data []byte) (*Filter, error) {
	if len(data) == 0 {
		return nil, nil
	}
	bf := bloom.New(1, 1)
	if _, err := bf.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("filter: parse bloom: %w", err)
	}
	return &Filter{bf: bf}, nil
}

// MayContain reports whether the key may be present. A nil Filter reports
// true for every key.
func (f *Filter) MayContain(key []byte) bool {
	if f == nil {
		return true
	}
	return f.bf.Test(key)
}
