package wal

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarrykv/internal/dbformat"
	"github.com/quarrydb/quarrykv/internal/vfs"
)

func writeLog(t *testing.T, path string, payloads ...[]byte) {
	t.Helper()
	f, err := vfs.Default().Create(path)
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	w := NewWriter(f)
	for _, p := range payloads {
		if err := w.AddRecord(p); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readAll(t *testing.T, path string) ([][]byte, error) {
	t.Helper()
	f, err := vfs.Default().Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	r := NewReader(f)
	var out [][]byte
	for {
		payload, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, payload)
	}
}

func TestWriteAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	want := [][]byte{[]byte("first"), []byte("second"), bytes.Repeat([]byte("x"), 10000)}
	writeLog(t, path, want...)

	got, err := readAll(t, path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("replayed %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTornTailEndsReplayCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	writeLog(t, path, []byte("intact"), []byte("this record gets torn"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-5], 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := readAll(t, path)
	if err != nil {
		t.Fatalf("replay after torn tail: %v", err)
	}
	if len(got) != 1 || string(got[0]) != "intact" {
		t.Errorf("replayed %d records, want just the intact one", len(got))
	}
}

func TestCorruptRecordDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	writeLog(t, path, []byte("record one"), []byte("record two"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a payload byte of the first record, after its 12-byte header.
	data[14] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = readAll(t, path)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("replay error = %v, want ErrCorrupt", err)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	entries := []Entry{
		{CF: 0, Kind: dbformat.KindValue, Key: []byte("a"), Value: []byte("va")},
		{CF: 1, Kind: dbformat.KindDeletion, Key: []byte("b")},
		{CF: 1, Kind: dbformat.KindValue, Key: []byte(""), Value: []byte("empty key")},
	}
	payload := EncodeBatch(42, entries)

	seq, got, err := DecodeBatch(payload)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	if seq != 42 {
		t.Errorf("seq = %d, want 42", seq)
	}
	if len(got) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].CF != e.CF || got[i].Kind != e.Kind ||
			!bytes.Equal(got[i].Key, e.Key) || !bytes.Equal(got[i].Value, e.Value) {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestDecodeBatchTruncated(t *testing.T) {
	payload := EncodeBatch(1, []Entry{{CF: 0, Kind: dbformat.KindValue, Key: []byte("key"), Value: []byte("value")}})
	for cut := 1; cut < len(payload); cut++ {
		if _, _, err := DecodeBatch(payload[:cut]); err == nil {
			t.Fatalf("DecodeBatch accepted a payload truncated to %d bytes", cut)
		}
	}
}
