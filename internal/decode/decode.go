// Package decode reverses HTTP content-encodings on fully buffered bodies.
package decode

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// Supported content-encoding labels.
const (
	Identity = "identity"
	Gzip     = "gzip"
	Deflate  = "deflate"
	Brotli   = "br"
)

// ErrDecode wraps every failure to decode a malformed stream.
var ErrDecode = errors.New("decode content")

// Decode returns data with the given content-encoding removed. Unknown or empty
// labels pass the input through unchanged. A malformed stream returns an error
// and no partial output.
func Decode(data []byte, encoding string) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case Gzip, "x-gzip":
		r, err = gzip.NewReader(bytes.NewReader(data))
	case Deflate:
		r = deflateReader(data)
	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %w", ErrDecode, encoding, err)
	}
	out, err := io.ReadAll(r)
	if closer, ok := r.(io.Closer); ok {
		_ = closer.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %w", ErrDecode, encoding, err)
	}
	return out, nil
}

// deflateReader accepts both zlib-wrapped (RFC 1950) and raw (RFC 1951)
// deflate, since servers disagree on what "deflate" means.
func deflateReader(data []byte) io.Reader {
	if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		return zr
	}
	return flate.NewReader(bytes.NewReader(data))
}
