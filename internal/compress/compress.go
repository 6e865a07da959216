// Package compress implements the payload compression used by the
// object store connectors on their upload and download paths.
package compress

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"

	"github.com/moorhq/moor/pkg/errors"
)

// Algorithm identifies a compression algorithm.
type Algorithm string

const (
	// None stores payloads as-is.
	None Algorithm = "none"
	// Gzip is the widest-compatibility choice.
	Gzip Algorithm = "gzip"
	// LZ4 favors speed over ratio.
	LZ4 Algorithm = "lz4"
)

// Parse maps a configuration value to an Algorithm. The empty string
// means None.
func Parse(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", None:
		return None, nil
	case Gzip:
		return Gzip, nil
	case LZ4:
		return LZ4, nil
	default:
		return None, errors.Newf(errors.KindNotSupported, "compression algorithm %q not supported", s)
	}
}

// Extension returns the filename suffix conventionally appended to
// objects compressed with a, or "" for None.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case LZ4:
		return ".lz4"
	default:
		return ""
	}
}

// Detect infers the Algorithm from a stored object key by its suffix.
// Keys without a known suffix map to None.
func Detect(key string) Algorithm {
	switch {
	case strings.HasSuffix(key, Gzip.Extension()):
		return Gzip
	case strings.HasSuffix(key, LZ4.Extension()):
		return LZ4
	default:
		return None
	}
}

// Compress returns data encoded with a. None returns data unchanged.
func Compress(data []byte, a Algorithm) ([]byte, error) {
	if a == None {
		return data, nil
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, a)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrapf(err, errors.KindOperation, "%s compression failed", a)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, errors.KindOperation, "%s compression failed", a)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte, a Algorithm) ([]byte, error) {
	if a == None {
		return data, nil
	}

	r, err := NewReader(bytes.NewReader(data), a)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindOperation, "%s decompression failed", a)
	}
	return out, nil
}

// NewWriter returns a writer encoding into dst with a. Close flushes
// any buffered data; None passes writes straight through.
func NewWriter(dst io.Writer, a Algorithm) (io.WriteCloser, error) {
	switch a {
	case None:
		return nopWriteCloser{dst}, nil
	case Gzip:
		return gzip.NewWriter(dst), nil
	case LZ4:
		return lz4.NewWriter(dst), nil
	default:
		return nil, errors.Newf(errors.KindNotSupported, "compression algorithm %q not supported", a)
	}
}

// NewReader returns a reader decoding src encoded with a.
func NewReader(src io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case None:
		return io.NopCloser(src), nil
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindOperation, "gzip decompression failed")
		}
		return r, nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	default:
		return nil, errors.Newf(errors.KindNotSupported, "compression algorithm %q not supported", a)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
