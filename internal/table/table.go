// Package table implements the block-based table file format.
//
// Layout:
//
//	[data block]* [filter block] [index block] [footer]
//
// Every block is stored compressed, followed by a 1-byte compression type
// and an 8-byte XXH3 checksum over the compressed bytes and the type byte.
// The index block maps the last key of each data block to its handle; the
// filter block holds one full-table bloom filter (see the filter package).
//
// Data block payload (uncompressed):
//
//	entry*   where entry = kind (1B) | klen (uvarint) | key | vlen (uvarint) | value
//
// Index block payload:
//
//	entry*   where entry = klen (uvarint) | lastKey | offset (uvarint) | size (uvarint)
//
// Footer (fixed 48 bytes at the end of the file):
//
//	filter offset (8) | filter size (8) | index offset (8) | index size (8) |
//	format version (4) | padding (4) | magic (8)
package table

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quarrydb/quarrykv/internal/dbformat"
)

const (
	// Magic identifies table files produced by this package.
	Magic uint64 = 0x716b76_74626c01 // "qkvtbl" + version tag

	// FooterSize is the fixed footer length.
	FooterSize = 48

	// blockTrailerSize is compression type (1) + checksum (8).
	blockTrailerSize = 9
)

// ErrBadTable is returned when a file fails structural validation.
var ErrBadTable = errors.New("table: malformed table file")

// BlockHandle locates a block payload within the file, excluding its trailer.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// footer is the decoded fixed-size footer.
type footer struct {
	filterHandle  BlockHandle
	indexHandle   BlockHandle
	formatVersion uint32
}

func (f *footer) encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.filterHandle.Offset)
	binary.LittleEndian.PutUint64(buf[8:16], f.filterHandle.Size)
	binary.LittleEndian.PutUint64(buf[16:24], f.indexHandle.Offset)
	binary.LittleEndian.PutUint64(buf[24:32], f.indexHandle.Size)
	binary.LittleEndian.PutUint32(buf[32:36], f.formatVersion)
	binary.LittleEndian.PutUint64(buf[40:48], Magic)
	return buf
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) != FooterSize {
		return nil, fmt.Errorf("%w: footer length %d", ErrBadTable, len(buf))
	}
	if binary.LittleEndian.Uint64(buf[40:48]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadTable)
	}
	return &footer{
		filterHandle: BlockHandle{
			Offset: binary.LittleEndian.Uint64(buf[0:8]),
			Size:   binary.LittleEndian.Uint64(buf[8:16]),
		},
		indexHandle: BlockHandle{
			Offset: binary.LittleEndian.Uint64(buf[16:24]),
			Size:   binary.LittleEndian.Uint64(buf[24:32]),
		},
		formatVersion: binary.LittleEndian.Uint32(buf[32:36]),
	}, nil
}

// appendEntry serializes one data block entry.
func appendEntry(dst []byte, kind dbformat.ValueKind, key, value []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	dst = append(dst, byte(kind))
	n := binary.PutUvarint(tmp[:], uint64(len(key)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, key...)
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, value...)
	return dst
}

// decodeEntry parses one data block entry, returning the remainder.
func decodeEntry(p []byte) (kind dbformat.ValueKind, key, value, rest []byte, err error) {
	if len(p) < 1 {
		return 0, nil, nil, nil, fmt.Errorf("%w: empty entry", ErrBadTable)
	}
	kind = dbformat.ValueKind(p[0])
	p = p[1:]

	klen, n := binary.Uvarint(p)
	if n <= 0 || uint64(len(p)-n) < klen {
		return 0, nil, nil, nil, fmt.Errorf("%w: truncated entry key", ErrBadTable)
	}
	p = p[n:]
	key = p[:klen]
	p = p[klen:]

	vlen, n := binary.Uvarint(p)
	if n <= 0 || uint64(len(p)-n) < vlen {
		return 0, nil, nil, nil, fmt.Errorf("%w: truncated entry value", ErrBadTable)
	}
	p = p[n:]
	value = p[:vlen]
	return kind, key, value, p[vlen:], nil
}
