package decompress

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestDecompress_RoundTrip(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		[]byte("hello world"),
		bytes.Repeat([]byte{0x0a, 0x00}, 4096),
		{},
	}
	for _, in := range inputs {
		got := Decompress(gzipBytes(t, in))
		if !bytes.Equal(got, in) {
			t.Fatalf("Decompress(gzip(%d bytes)) returned %d bytes", len(in), len(got))
		}
	}
}

func TestDecompress_PassThroughNonGzip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"nil", nil},
		{"text", []byte("not compressed at all")},
		{"protobuf-like", []byte{0x0a, 0x03, 0x0a, 0x01, 0x00}},
		{"magic only", []byte{0x1f, 0x8b}},
		{"bad header", []byte{0x1f, 0x8b, 0x08, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Gunzip(tt.in)
			if ok {
				t.Fatal("Gunzip reported success for non-gzip input")
			}
			if !bytes.Equal(got, tt.in) {
				t.Fatalf("Gunzip changed non-gzip input: got %v want %v", got, tt.in)
			}
		})
	}
}

func TestDecompress_TruncatedStreamFallsBack(t *testing.T) {
	t.Parallel()

	full := gzipBytes(t, bytes.Repeat([]byte("telemetry"), 100))
	cut := full[:len(full)-6]

	got, ok := Gunzip(cut)
	if ok {
		t.Fatal("Gunzip reported success for truncated stream")
	}
	if !bytes.Equal(got, cut) {
		t.Fatal("truncated stream was not returned unchanged")
	}
}

func TestDecompressor_MaxSize(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{'a'}, 1024)
	compressed := gzipBytes(t, payload)

	small := Decompressor{MaxSize: 512}
	got, ok := small.Gunzip(compressed)
	if ok {
		t.Fatal("expected oversize output to be rejected")
	}
	if !bytes.Equal(got, compressed) {
		t.Fatal("oversize payload should be returned unchanged")
	}

	exact := Decompressor{MaxSize: 1024}
	got, ok = exact.Gunzip(compressed)
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("payload at the limit should decompress, ok=%v len=%d", ok, len(got))
	}
}
