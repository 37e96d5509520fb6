// Package decompress undoes optional gzip framing on inbound payloads.
//
// Producers may send compressed or raw bytes over the same connection, so the
// transform is fail-open: anything that is not a complete, valid gzip stream
// comes back unchanged.
package decompress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/tinytelemetry/otelgate/internal/model"
)

// DefaultMaxSize caps the decompressed output of the package-level helpers.
const DefaultMaxSize = model.DefaultMaxDecompressedSize

var defaultDecompressor = Decompressor{MaxSize: DefaultMaxSize}

// Decompressor performs fail-open gzip decoding with an output size cap.
type Decompressor struct {
	// MaxSize bounds the decompressed size in bytes. Output that would exceed
	// it is treated as not decompressible. Zero means DefaultMaxSize.
	MaxSize int64
}

// Decompress returns the gunzipped buffer, or buf itself when it is not gzip.
func Decompress(buf []byte) []byte {
	out, _ := defaultDecompressor.Gunzip(buf)
	return out
}

// Gunzip is Decompress that also reports whether decompression happened.
func Gunzip(buf []byte) ([]byte, bool) {
	return defaultDecompressor.Gunzip(buf)
}

// Decompress returns the gunzipped buffer, or buf itself when it is not gzip.
func (d Decompressor) Decompress(buf []byte) []byte {
	out, _ := d.Gunzip(buf)
	return out
}

// Gunzip returns (decompressed, true) on success and (buf, false) otherwise.
func (d Decompressor) Gunzip(buf []byte) ([]byte, bool) {
	if !looksGzip(buf) {
		return buf, false
	}

	zr, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return buf, false
	}
	defer zr.Close()

	limit := d.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}

	// Read one byte past the limit to detect oversize output.
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return buf, false
	}
	if int64(len(out)) > limit {
		return buf, false
	}
	return out, true
}

// looksGzip checks the two-byte gzip magic and the deflate method byte.
func looksGzip(buf []byte) bool {
	return len(buf) >= 10 && buf[0] == 0x1f && buf[1] == 0x8b && buf[2] == 8
}
