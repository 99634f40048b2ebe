package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      nil,
		"short":      []byte("hello"),
		"repetitive": []byte(strings.Repeat("quarrykv block ", 1024)),
	}
	for _, typ := range []Type{None, Snappy, LZ4, Zstd} {
		for name, payload := range payloads {
			compressed, err := Compress(typ, payload)
			if err != nil {
				t.Fatalf("%s/%s: compress: %v", typ, name, err)
			}
			got, err := Decompress(typ, compressed)
			if err != nil {
				t.Fatalf("%s/%s: decompress: %v", typ, name, err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("%s/%s: round trip mismatch: got %d bytes, want %d", typ, name, len(got), len(payload))
			}
		}
	}
}

func TestCompressibleDataShrinks(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789abcdef", 4096))
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		compressed, err := Compress(typ, payload)
		if err != nil {
			t.Fatalf("%s: compress: %v", typ, err)
		}
		if len(compressed) >= len(payload) {
			t.Errorf("%s: compressed %d bytes to %d, expected a reduction", typ, len(payload), len(compressed))
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if Type(0x3f).IsSupported() {
		t.Error("IsSupported(0x3f) = true, want false")
	}
	if _, err := Compress(Type(0x3f), []byte("x")); err == nil {
		t.Error("Compress with unknown type succeeded, want error")
	}
	if _, err := Decompress(Type(0x3f), []byte("x")); err == nil {
		t.Error("Decompress with unknown type succeeded, want error")
	}
}
