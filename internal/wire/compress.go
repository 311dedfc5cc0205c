package wire

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/yanun0323/errors"
)

// Compression names the codec applied to batch payloads.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
)

// Compress gzips a payload.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "gzip write")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close")
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "gzip reader")
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "gzip read")
	}
	return out, nil
}
