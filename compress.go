package cowdb

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// compressThreshold mirrors couchstore's COUCH_SNAPPY_THRESHOLD: bodies
// smaller than this are stored uncompressed even when compression is
// requested, since the framing overhead would outweigh any savings.
const compressThreshold = 64

// A Compressor implements the pluggable body-compression collaborator from
// spec §6. Identity is acceptable when the caller never requests
// compression; SnappyCompressor and LZ4Compressor are provided for callers
// that do.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Uncompress(data []byte) ([]byte, error)
}

// identityCompressor is used when a Db is opened without an explicit
// Compressor, and for the local-docs tree. Its Compress returns the input
// unchanged, so a body at or above compressThreshold saved with compression
// requested is stored as-is but still flagged as compressed.
type identityCompressor struct{}

func (identityCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (identityCompressor) Uncompress(data []byte) ([]byte, error) { return data, nil }

// SnappyCompressor compresses document bodies with Snappy, matching
// couchstore's default body compressor.
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (SnappyCompressor) Uncompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	return out, nil
}

// LZ4Compressor compresses document bodies with LZ4. It is offered as a
// second pluggable implementation of the compression collaborator so that
// callers trading decompression speed for a different compression ratio
// than Snappy's are not required to write their own Compressor.
type LZ4Compressor struct{}

func (LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return buf.Bytes(), nil
}

func (LZ4Compressor) Uncompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return out, nil
}

// maybeCompress compresses body with c if requested and body is large
// enough to be worth compressing, returning the possibly-compressed bytes
// and whether compression was applied.
func maybeCompress(c Compressor, body []byte, requested bool) ([]byte, bool, error) {
	if !requested || len(body) < compressThreshold {
		return body, false, nil
	}
	out, err := c.Compress(body)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
