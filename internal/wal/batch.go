package wal

// batch.go encodes write batches into log record payloads.
//
// Payload layout:
//
//	sequence (8B LE) | count (4B LE) | count * entry
//
// entry:
//
//	cf (uvarint) | kind (1B) | klen (uvarint) | key | [vlen (uvarint) | value]
//
// Deletions carry no value bytes.

import (
	"encoding/binary"
	"fmt"

	"github.com/quarrydb/quarrykv/internal/dbformat"
)

// Entry is one operation in a write batch.
type Entry struct {
	CF    uint32
	Kind  dbformat.ValueKind
	Key   []byte
	Value []byte
}

// EncodeBatch serializes a batch starting at the given sequence number.
func EncodeBatch(seq dbformat.SequenceNumber, entries []Entry) []byte {
	size := 12
	for _, e := range entries {
		size += binary.MaxVarintLen32 + 1 + 2*binary.MaxVarintLen32 + len(e.Key) + len(e.Value)
	}
	buf := make([]byte, 12, size)
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(entries)))

	var tmp [binary.MaxVarintLen64]byte
	for _, e := range entries {
		n := binary.PutUvarint(tmp[:], uint64(e.CF))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, byte(e.Kind))
		n = binary.PutUvarint(tmp[:], uint64(len(e.Key)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, e.Key...)
		if e.Kind != dbformat.KindDeletion {
			n = binary.PutUvarint(tmp[:], uint64(len(e.Value)))
			buf = append(buf, tmp[:n]...)
			buf = append(buf, e.Value...)
		}
	}
	return buf
}

// DecodeBatch parses a batch payload produced by EncodeBatch.
func DecodeBatch(payload []byte) (seq dbformat.SequenceNumber, entries []Entry, err error) {
	if len(payload) < 12 {
		return 0, nil, fmt.Errorf("wal: batch too short: %d bytes", len(payload))
	}
	seq = binary.LittleEndian.Uint64(payload[0:8])
	count := binary.LittleEndian.Uint32(payload[8:12])
	p := payload[12:]

	entries = make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		cf, n := binary.Uvarint(p)
		if n <= 0 || len(p) < n+1 {
			return 0, nil, fmt.Errorf("wal: truncated entry %d", i)
		}
		p = p[n:]
		kind := dbformat.ValueKind(p[0])
		p = p[1:]

		klen, n := binary.Uvarint(p)
		if n <= 0 || uint64(len(p)-n) < klen {
			return 0, nil, fmt.Errorf("wal: truncated key in entry %d", i)
		}
		p = p[n:]
		key := p[:klen]
		p = p[klen:]

		var value []byte
		if kind != dbformat.KindDeletion {
			vlen, n := binary.Uvarint(p)
			if n <= 0 || uint64(len(p)-n) < vlen {
				return 0, nil, fmt.Errorf("wal: truncated value in entry %d", i)
			}
			p = p[n:]
			value = p[:vlen]
			p = p[vlen:]
		}
		entries = append(entries, Entry{CF: uint32(cf), Kind: kind, Key: key, Value: value})
	}
	if len(p) != 0 {
		return 0, nil, fmt.Errorf("wal: %d trailing bytes after batch", len(p))
	}
	return seq, entries, nil
}
