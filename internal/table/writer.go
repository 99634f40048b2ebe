package table

// writer.go builds table files. Keys must be added in increasing order under
// the column family's comparator; the writer stores what it is given.

import (
	"encoding/binary"
	"fmt"

	"github.com/quarrydb/quarrykv/internal/checksum"
	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

// WriterOptions configures a table writer.
type WriterOptions struct {
	// BlockSize is the uncompressed data block size target.
	BlockSize int

	// Compression is applied to data and index blocks.
	Compression compression.Type

	// FormatVersion is recorded in the footer.
	FormatVersion uint32

	// FilterBuilder, when non-nil, receives filter keys and produces the
	// filter block. The writer does not decide which keys go in; callers
	// pass them through AddFilterKey.
	FilterBuilder *filter.Builder

	// BytesPerSync syncs the file each time this many bytes accumulate.
	// Zero disables periodic syncing.
	BytesPerSync int64
}

// Writer builds one table file.
type Writer struct {
	f    vfs.WritableFile
	opts WriterOptions

	block     []byte
	blockLast []byte

	index []indexEntry

	offset    int64
	lastSync  int64
	numBlocks int

	firstKey []byte
	lastKey  []byte
	numEntry int

	finished bool
}

type indexEntry struct {
	lastKey []byte
	handle  BlockHandle
}

// NewWriter starts a table file on f.
func NewWriter(f vfs.WritableFile, opts WriterOptions) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 16 * 1024
	}
	return &Writer{f: f, opts: opts}
}

// Add appends an entry. Keys must arrive in increasing comparator order.
func (w *Writer) Add(kind dbformat.ValueKind, key, value []byte) error {
	if w.finished {
		return fmt.Errorf("table: writer already finished")
	}
	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), key...)
	}
	w.lastKey = append(w.lastKey[:0], key...)
	w.numEntry++

	w.block = appendEntry(w.block, kind, key, value)
	w.blockLast = append(w.blockLast[:0], key...)

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// AddFilterKey records a key (or prefix) into the filter block.
func (w *Writer) AddFilterKey(key []byte) {
	if w.opts.FilterBuilder != nil {
		w.opts.FilterBuilder.AddKey(key)
	}
}

// flushBlock compresses and writes the pending data block.
func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	handle, err := w.writeBlock(w.block, w.opts.Compression)
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{
		lastKey: append([]byte(nil), w.blockLast...),
		handle:  handle,
	})
	w.block = w.block[:0]
	w.numBlocks++
	return nil
}

// writeBlock writes one block with its trailer and returns its handle.
func (w *Writer) writeBlock(payload []byte, ctype compression.Type) (BlockHandle, error) {
	compressed, err := compression.Compress(ctype, payload)
	if err != nil {
		return BlockHandle{}, fmt.Errorf("table: compress block: %w", err)
	}
	// Fall back to raw storage when compression does not help.
	if len(compressed) >= len(payload) {
		compressed = payload
		ctype = compression.None
	}

	handle := BlockHandle{Offset: uint64(w.offset), Size: uint64(len(compressed))}

	trailer := [blockTrailerSize]byte{}
	trailer[0] = byte(ctype)
	sum := checksum.Sum64Parts(compressed, trailer[:1])
	binary.LittleEndian.PutUint64(trailer[1:], sum)

	if _, err := w.f.Write(compressed); err != nil {
		return BlockHandle{}, fmt.Errorf("table: write block: %w", err)
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return BlockHandle{}, fmt.Errorf("table: write block trailer: %w", err)
	}
	w.offset += int64(len(compressed)) + blockTrailerSize

	if w.opts.BytesPerSync > 0 && w.offset-w.lastSync >= w.opts.BytesPerSync {
		if err := w.f.Sync(); err != nil {
			return BlockHandle{}, fmt.Errorf("table: periodic sync: %w", err)
		}
		w.lastSync = w.offset
	}
	return handle, nil
}

// Finish writes the filter block, index block, and footer, then syncs.
// The file is left open; the caller closes it.
func (w *Writer) Finish() error {
	if w.finished {
		return fmt.Errorf("table: writer already finished")
	}
	if err := w.flushBlock(); err != nil {
		return err
	}
	w.finished = true

	var ftr footer
	ftr.formatVersion = w.opts.FormatVersion

	if w.opts.FilterBuilder != nil && !w.opts.FilterBuilder.Empty() {
		data, err := w.opts.FilterBuilder.Finish()
		if err != nil {
			return err
		}
		// Filter blocks stay uncompressed; they are random bits anyway.
		handle, err := w.writeBlock(data, compression.None)
		if err != nil {
			return err
		}
		ftr.filterHandle = handle
	}

	var idx []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, e := range w.index {
		n := binary.PutUvarint(tmp[:], uint64(len(e.lastKey)))
		idx = append(idx, tmp[:n]...)
		idx = append(idx, e.lastKey...)
		n = binary.PutUvarint(tmp[:], e.handle.Offset)
		idx = append(idx, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], e.handle.Size)
		idx = append(idx, tmp[:n]...)
	}
	handle, err := w.writeBlock(idx, w.opts.Compression)
	if err != nil {
		return err
	}
	ftr.indexHandle = handle

	if _, err := w.f.Write(ftr.encode()); err != nil {
		return fmt.Errorf("table: write footer: %w", err)
	}
	w.offset += FooterSize

	return w.f.Sync()
}

// FirstKey returns the smallest key added, nil if the table is empty.
func (w *Writer) FirstKey() []byte { return w.firstKey }

// LastKey returns the largest key added, nil if the table is empty.
func (w *Writer) LastKey() []byte { return w.lastKey }

// EntryCount returns the number of entries added.
func (w *Writer) EntryCount() int { return w.numEntry }

// FileSize returns the bytes written so far, including the footer after
// Finish.
func (w *Writer) FileSize() int64 { return w.offset }
