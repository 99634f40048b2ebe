// Package wal implements the write-ahead log.
//
// A log file is a sequence of records:
//
//	+-----------+----------+---------+
//	| XXH3 (8B) | Len (4B) | Payload |
//	+-----------+----------+---------+
//
// The checksum covers the payload only. A truncated or corrupt tail record
// ends replay without error; everything before it is intact because records
// are synced in write order.
//
// Each payload is an encoded write batch; see batch.go.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quarrydb/quarrykv/internal/checksum"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

// headerSize is checksum (8) + length (4).
const headerSize = 12

// maxRecordSize bounds a single record so a corrupt length field cannot
// trigger a huge allocation during replay.
const maxRecordSize = 1 << 30

// ErrCorrupt is returned when a record fails its checksum mid-file.
var ErrCorrupt = errors.New("wal: corrupt record")

// Writer appends records to a log file.
type Writer struct {
	f       vfs.WritableFile
	written int64
}

// NewWriter wraps a writable file as a log writer.
func NewWriter(f vfs.WritableFile) *Writer {
	return &Writer{f: f}
}

// AddRecord appends one record.
func (w *Writer) AddRecord(payload []byte) error {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], checksum.Sum64(payload))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))

	if _, err := w.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	w.written += int64(headerSize + len(payload))
	return nil
}

// Sync flushes the log to stable storage.
func (w *Writer) Sync() error {
	return w.f.Sync()
}

// Size returns the number of bytes written through this writer.
func (w *Writer) Size() int64 {
	return w.written
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Reader replays records from a log file.
type Reader struct {
	r   io.Reader
	off int64
}

// NewReader wraps a sequential file as a log reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record payload. It returns io.EOF at a clean end of
// log, including a truncated tail record, and ErrCorrupt for a checksum
// mismatch in the middle of the file.
func (r *Reader) Next() ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	want := binary.LittleEndian.Uint64(hdr[0:8])
	n := binary.LittleEndian.Uint32(hdr[8:12])
	if n > maxRecordSize {
		return nil, fmt.Errorf("%w: record length %d at offset %d", ErrCorrupt, n, r.off)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Torn tail write; everything before it is good.
			return nil, io.EOF
		}
		return nil, err
	}
	if !checksum.Verify(payload, want) {
		return nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, r.off)
	}
	r.off += int64(headerSize) + int64(n)
	return payload, nil
}
