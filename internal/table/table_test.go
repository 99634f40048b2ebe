package table

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarrykv/internal/compression"
	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/filter"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

func buildTable(t *testing.T, wopts WriterOptions, n int) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000001.sst")
	fs := vfs.Default()

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := NewWriter(f, wopts)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		value := []byte(fmt.Sprintf("value%04d", i))
		if err := w.Add(dbformat.KindValue, key, value); err != nil {
			t.Fatalf("Add: %v", err)
		}
		w.AddFilterKey(key)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r, err := OpenReader(rf, ReaderOptions{Compare: bytes.Compare})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, ctype := range []compression.Type{compression.None, compression.LZ4, compression.Zstd} {
		t.Run(ctype.String(), func(t *testing.T) {
			r := buildTable(t, WriterOptions{BlockSize: 256, Compression: ctype}, 500)

			for i := 0; i < 500; i++ {
				key := []byte(fmt.Sprintf("key%04d", i))
				value, kind, status, err := r.Get(key)
				if err != nil {
					t.Fatalf("Get(%s): %v", key, err)
				}
				if status != GetFound || kind != dbformat.KindValue {
					t.Fatalf("Get(%s) status %v kind %v", key, status, kind)
				}
				want := fmt.Sprintf("value%04d", i)
				if string(value) != want {
					t.Fatalf("Get(%s) = %q, want %q", key, value, want)
				}
			}

			if _, _, status, err := r.Get([]byte("missing")); err != nil || status != GetNotFound {
				t.Errorf("Get(missing) status = %v, err %v; want GetNotFound", status, err)
			}
		})
	}
}

func TestIterator(t *testing.T) {
	r := buildTable(t, WriterOptions{BlockSize: 128}, 200)

	it := r.NewIterator()
	count := 0
	var last []byte
	for it.First(); it.Valid(); it.Next() {
		if last != nil && bytes.Compare(it.Key(), last) <= 0 {
			t.Fatalf("keys out of order: %q after %q", it.Key(), last)
		}
		last = append(last[:0], it.Key()...)
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if count != 200 {
		t.Errorf("iterated %d entries, want 200", count)
	}

	it.Seek([]byte("key0100"))
	if !it.Valid() || string(it.Key()) != "key0100" {
		t.Fatalf("Seek(key0100) positioned at %q", it.Key())
	}
	it.Seek([]byte("key01005"))
	if !it.Valid() || string(it.Key()) != "key0101" {
		t.Fatalf("Seek(key01005) positioned at %q, want key0101", it.Key())
	}
	it.Seek([]byte("zzz"))
	if it.Valid() {
		t.Error("Seek past the end is still valid")
	}
}

func TestBloomFilterShortCircuit(t *testing.T) {
	fb := filter.NewBloomPolicy(10).NewBuilder()
	r := buildTable(t, WriterOptions{BlockSize: 256, FilterBuilder: fb}, 500)
	if !r.HasFilter() {
		t.Fatal("table has no filter block")
	}

	_, _, status, err := r.Get([]byte("key0042"))
	if err != nil || status != GetFound {
		t.Fatalf("Get(key0042) status = %v, err %v", status, err)
	}

	filtered := 0
	for i := 0; i < 200; i++ {
		_, _, status, err := r.Get([]byte(fmt.Sprintf("absent%04d", i)))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if status == GetFilteredOut {
			filtered++
		}
	}
	if filtered < 150 {
		t.Errorf("filter rejected %d of 200 absent keys, want most of them", filtered)
	}
}

func TestCorruptBlockDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.sst")
	fs := vfs.Default()
	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(f, WriterOptions{})
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		if err := w.Add(dbformat.KindValue, key, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	// Flip a byte inside the first data block.
	raw, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, raw.Size())
	if _, err := raw.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	raw.Close()
	buf[3] ^= 0xff
	wf, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wf.Write(buf); err != nil {
		t.Fatal(err)
	}
	wf.Close()

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	r, err := OpenReader(rf, ReaderOptions{Compare: bytes.Compare})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := r.Get([]byte("key0000")); err == nil {
		t.Error("Get on a corrupted block succeeded, want checksum error")
	}
}

func TestFooterRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.sst")
	fs := vfs.Default()
	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(bytes.Repeat([]byte{0xab}, 100)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	rf, err := fs.OpenRandomAccess(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	if _, err := OpenReader(rf, ReaderOptions{Compare: bytes.Compare}); err == nil {
		t.Error("OpenReader accepted a garbage file")
	}
}
