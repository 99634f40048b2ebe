package engine

// Large values are spilled to blob files at flush time. The table keeps a
// small blob index entry instead of the value, so compactions never rewrite
// the large payloads.

import (
	"encoding/binary"
	"fmt"

	"github.com/quarrydb/quarrykv/internal/checksum"
	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

// blobIndex locates one value inside a blob file.
type blobIndex struct {
	fileNum uint64
	offset  uint64
	size    uint64
	ctype   compression.Type
	sum     uint64
}

func encodeBlobIndex(idx blobIndex) []byte {
	var tmp [binary.MaxVarintLen64]byte
	out := make([]byte, 0, 3*binary.MaxVarintLen64+9)
	n := binary.PutUvarint(tmp[:], idx.fileNum)
	out = append(out, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], idx.offset)
	out = append(out, tmp[:n]...)
	n = binary.PutUvarint(tmp[:], idx.size)
	out = append(out, tmp[:n]...)
	out = append(out, byte(idx.ctype))
	out = binary.LittleEndian.AppendUint64(out, idx.sum)
	return out
}

func decodeBlobIndex(p []byte) (blobIndex, error) {
	var idx blobIndex
	var n int
	idx.fileNum, n = binary.Uvarint(p)
	if n <= 0 {
		return idx, fmt.Errorf("blob: malformed index")
	}
	p = p[n:]
	idx.offset, n = binary.Uvarint(p)
	if n <= 0 {
		return idx, fmt.Errorf("blob: malformed index")
	}
	p = p[n:]
	idx.size, n = binary.Uvarint(p)
	if n <= 0 {
		return idx, fmt.Errorf("blob: malformed index")
	}
	p = p[n:]
	if len(p) != 9 {
		return idx, fmt.Errorf("blob: malformed index")
	}
	idx.ctype = compression.Type(p[0])
	idx.sum = binary.LittleEndian.Uint64(p[1:])
	return idx, nil
}

// blobWriter appends values to one blob file.
type blobWriter struct {
	f       vfs.WritableFile
	fileNum uint64
	offset  uint64
	ctype   compression.Type
}

func newBlobWriter(fs vfs.FS, dir string, fileNum uint64, ctype compression.Type) (*blobWriter, error) {
	f, err := fs.Create(blobFileName(dir, fileNum))
	if err != nil {
		return nil, fmt.Errorf("blob: create: %w", err)
	}
	return &blobWriter{f: f, fileNum: fileNum, ctype: ctype}, nil
}

// Append stores one value and returns its encoded blob index.
func (w *blobWriter) Append(value []byte) ([]byte, error) {
	payload, err := compression.Compress(w.ctype, value)
	if err != nil {
		return nil, fmt.Errorf("blob: compress: %w", err)
	}
	ctype := w.ctype
	if len(payload) >= len(value) {
		payload, ctype = value, compression.None
	}
	if _, err := w.f.Write(payload); err != nil {
		return nil, fmt.Errorf("blob: write: %w", err)
	}
	idx := blobIndex{
		fileNum: w.fileNum,
		offset:  w.offset,
		size:    uint64(len(payload)),
		ctype:   ctype,
		sum:     checksum.Sum64(payload),
	}
	w.offset += uint64(len(payload))
	return encodeBlobIndex(idx), nil
}

// Empty reports whether nothing was appended.
func (w *blobWriter) Empty() bool { return w.offset == 0 }

func (w *blobWriter) Finish() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("blob: sync: %w", err)
	}
	return w.f.Close()
}

func (w *blobWriter) Abandon(fs vfs.FS, dir string) {
	w.f.Close()
	fs.Remove(blobFileName(dir, w.fileNum))
}

// resolveBlob reads the value a blob index points at.
func resolveBlob(fs vfs.FS, dir string, indexBytes []byte) ([]byte, error) {
	idx, err := decodeBlobIndex(indexBytes)
	if err != nil {
		return nil, err
	}
	f, err := fs.OpenRandomAccess(blobFileName(dir, idx.fileNum))
	if err != nil {
		return nil, fmt.Errorf("blob: open file %06d: %w", idx.fileNum, err)
	}
	defer f.Close()
	buf := make([]byte, idx.size)
	if _, err := f.ReadAt(buf, int64(idx.offset)); err != nil {
		return nil, fmt.Errorf("blob: read file %06d: %w", idx.fileNum, err)
	}
	if !checksum.Verify(buf, idx.sum) {
		return nil, fmt.Errorf("blob: checksum mismatch in file %06d at offset %d", idx.fileNum, idx.offset)
	}
	return compression.Decompress(idx.ctype, buf)
}
