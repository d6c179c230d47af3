package cowdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newMemTreeFile(t *testing.T) *TreeFile {
	t.Helper()
	ops := NewMemFileOps()
	tf, err := openTreeFile(ops, "db", OpenCreate)
	require.NoError(t, err)
	return tf
}

func TestWriteReadChunkUncompressed(t *testing.T) {
	tf := newMemTreeFile(t)
	payload := []byte("hello, chunk framing")
	off, err := writeChunk(tf, payload, false)
	require.NoError(t, err)
	got, err := readChunk(tf, off, identityCompressor{})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteReadChunkCompressed(t *testing.T) {
	tf := newMemTreeFile(t)
	c := SnappyCompressor{}
	payload := []byte("this body is long enough to be worth compressing, repeated repeated repeated")
	compressed, err := c.Compress(payload)
	require.NoError(t, err)
	off, err := writeChunk(tf, compressed, true)
	require.NoError(t, err)
	got, err := readChunk(tf, off, c)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteReadChunkCrossesBlockBoundary(t *testing.T) {
	tf := newMemTreeFile(t)
	// Large enough payload to span several 4096-byte blocks and several
	// block-prefix bytes.
	payload := make([]byte, blockSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	off, err := writeChunk(tf, payload, false)
	require.NoError(t, err)
	got, err := readChunk(tf, off, identityCompressor{})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadChunkDetectsCorruptChecksum(t *testing.T) {
	tf := newMemTreeFile(t)
	// Write a throwaway chunk first so the target chunk's start offset
	// isn't itself block-aligned — keeps the physical-offset arithmetic
	// below simple (no block-prefix byte to account for).
	_, err := writeChunk(tf, []byte("filler"), false)
	require.NoError(t, err)

	payload := []byte("integrity matters")
	off, err := writeChunk(tf, payload, false)
	require.NoError(t, err)
	require.NotZero(t, off%blockSize)

	// Flip a byte inside the payload region (past the 8-byte frame header).
	mh, ok := tf.handle.(*memHandle)
	require.True(t, ok)
	mh.f.data[off+frameHeaderSize] ^= 0xFF

	_, err = readChunk(tf, off, identityCompressor{})
	require.Error(t, err)
	require.Equal(t, KindCorruptChecksum, KindOf(err))
}

func TestWriteHeaderAlignsToBlockBoundary(t *testing.T) {
	tf := newMemTreeFile(t)
	_, err := writeChunk(tf, []byte("small"), false)
	require.NoError(t, err)

	off, err := writeHeader(tf, []byte{currentDiskVersion})
	require.NoError(t, err)
	require.Zero(t, off%blockSize)
}

func TestFindLastHeaderPicksMostRecentValid(t *testing.T) {
	tf := newMemTreeFile(t)
	h1 := &Header{DiskVersion: currentDiskVersion, UpdateSeq: 1}
	off1, err := writeDBHeader(tf, h1)
	require.NoError(t, err)

	h2 := &Header{DiskVersion: currentDiskVersion, UpdateSeq: 2}
	off2, err := writeDBHeader(tf, h2)
	require.NoError(t, err)
	require.Greater(t, off2, off1)

	gotOff, payload, err := findLastHeader(tf, validateHeaderVersion)
	require.NoError(t, err)
	require.Equal(t, off2, gotOff)
	got, err := decodeHeader(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.UpdateSeq)
}

func TestFindLastHeaderFallsBackPastCorruptHeader(t *testing.T) {
	tf := newMemTreeFile(t)
	h1 := &Header{DiskVersion: currentDiskVersion, UpdateSeq: 1}
	off1, err := writeDBHeader(tf, h1)
	require.NoError(t, err)

	h2 := &Header{DiskVersion: currentDiskVersion, UpdateSeq: 2}
	off2, err := writeDBHeader(tf, h2)
	require.NoError(t, err)

	// Corrupt the later header's checksum so it fails validation; the scan
	// must fall back to the earlier, still-valid header (scenario S6).
	mh, ok := tf.handle.(*memHandle)
	require.True(t, ok)
	mh.f.data[off2+frameHeaderSize] ^= 0xFF

	gotOff, payload, err := findLastHeader(tf, validateHeaderVersion)
	require.NoError(t, err)
	require.Equal(t, off1, gotOff)
	got, err := decodeHeader(payload)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.UpdateSeq)
}

func TestFindLastHeaderEmptyFile(t *testing.T) {
	tf := newMemTreeFile(t)
	_, _, err := findLastHeader(tf, validateHeaderVersion)
	require.Error(t, err)
	require.Equal(t, KindNoHeader, KindOf(err))
}
