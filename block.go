package cowdb

import (
	"hash/crc32"
	"io"
)

// Block size and block-type prefixes, per spec §4.1/§6. Every 4096-byte
// boundary in the file carries a one-byte type prefix that is not part of
// any chunk's logical contents.
const (
	blockSize = 4096

	blockTypeData   byte = 0x00
	blockTypeHeader byte = 0x01
)

// frameHeaderSize is the length of a chunk's logical framing: a 32-bit
// length (high bit flags compression) followed by a 32-bit CRC.
const frameHeaderSize = 8

// lengthCompressedBit marks a data chunk's payload as compressed, per spec
// §4.1/§6. Header chunks never set it.
const lengthCompressedBit = uint32(1) << 31

// writeFramed appends data to tf starting at the current append cursor,
// inserting a blockType prefix byte at every 4096-byte boundary crossed
// (including one at the very start, if the cursor already sits on a
// boundary). It returns the starting physical offset of data (which is the
// offset callers use to reference the chunk later) and advances tf.eof.
func writeFramed(tf *TreeFile, blockType byte, data []byte) (int64, error) {
	start := tf.eof
	off := tf.eof
	for len(data) > 0 {
		if off%blockSize == 0 {
			if err := tf.pwriteAt([]byte{blockType}, off); err != nil {
				return 0, errIO(err, "write block prefix at %d", off)
			}
			off++
		}
		room := blockSize - int(off%blockSize)
		n := len(data)
		if n > room {
			n = room
		}
		if err := tf.pwriteAt(data[:n], off); err != nil {
			return 0, errIO(err, "write chunk data at %d", off)
		}
		off += int64(n)
		data = data[n:]
	}
	tf.eof = off
	return start, nil
}

// readFramed reads n logical bytes starting at physical offset off,
// transparently skipping block-prefix bytes at 4096-byte boundaries. It
// returns the bytes read and the physical offset immediately following
// them (useful for reading a second framed region back to back).
func readFramed(tf *TreeFile, off int64, n int) ([]byte, int64, error) {
	out := make([]byte, 0, n)
	pos := off
	for len(out) < n {
		if pos%blockSize == 0 {
			pos++ // skip prefix byte; callers that care about its value use readBlockPrefix instead
		}
		room := blockSize - int(pos%blockSize)
		want := n - len(out)
		if want > room {
			want = room
		}
		buf := make([]byte, want)
		if _, err := tf.preadAt(buf, pos); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, 0, errCorruptChecksum("truncated chunk at %d", off)
			}
			return nil, 0, errIO(err, "read chunk data at %d", off)
		}
		out = append(out, buf...)
		pos += int64(want)
	}
	return out, pos, nil
}

// readBlockPrefix reads the one-byte type prefix at the start of the block
// containing physical offset blockStart (blockStart must be block-aligned).
func readBlockPrefix(tf *TreeFile, blockStart int64) (byte, error) {
	var b [1]byte
	if _, err := tf.preadAt(b[:], blockStart); err != nil {
		return 0, err
	}
	return b[0], nil
}

// writeChunk appends a data chunk containing payload (already compressed by
// the caller if compressed is true) and returns its starting offset, per
// spec §4.1.
func writeChunk(tf *TreeFile, payload []byte, compressed bool) (int64, error) {
	var hdr [frameHeaderSize]byte
	length := uint32(len(payload))
	if compressed {
		length |= lengthCompressedBit
	}
	put32(hdr[0:4], length)
	put32(hdr[4:8], crc32.ChecksumIEEE(payload))

	framed := make([]byte, 0, len(hdr)+len(payload))
	framed = append(framed, hdr[:]...)
	framed = append(framed, payload...)
	return writeFramed(tf, blockTypeData, framed)
}

// readChunk reads the data chunk at offset, verifies its CRC, and
// decompresses it with c if its compressed bit is set, per spec §4.1.
func readChunk(tf *TreeFile, offset int64, c Compressor) ([]byte, error) {
	return readChunkFlagged(tf, offset, c, false)
}

// readHeaderChunk reads the header chunk at offset (which must be
// 4096-aligned) and verifies its CRC. Header chunks are never compressed.
func readHeaderChunk(tf *TreeFile, offset int64) ([]byte, error) {
	return readChunkFlagged(tf, offset, nil, true)
}

func readChunkFlagged(tf *TreeFile, offset int64, c Compressor, wantHeader bool) ([]byte, error) {
	hdr, pos, err := readFramed(tf, offset, frameHeaderSize)
	if err != nil {
		return nil, err
	}
	rawLen := get32(hdr[0:4])
	crc := get32(hdr[4:8])
	compressed := rawLen&lengthCompressedBit != 0
	length := rawLen &^ lengthCompressedBit
	if wantHeader && compressed {
		return nil, errCorruptChecksum("header chunk at %d has compressed bit set", offset)
	}
	if length > 64<<20 {
		// A single chunk larger than 64MB almost certainly indicates a
		// corrupt length field rather than a legitimate record.
		return nil, errCorruptChecksum("implausible chunk length %d at %d", length, offset)
	}
	payload, _, err := readFramed(tf, pos, int(length))
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, errCorruptChecksum("checksum mismatch at %d", offset)
	}
	if compressed {
		if c == nil {
			c = identityCompressor{}
		}
		out, err := c.Uncompress(payload)
		if err != nil {
			return nil, errCorruptChecksum("decompress at %d: %v", offset, err)
		}
		return out, nil
	}
	return payload, nil
}

// writeHeader advances the append cursor to the next 4096-aligned offset,
// writes payload as a header chunk there, and returns that aligned offset,
// per spec §4.1.
func writeHeader(tf *TreeFile, payload []byte) (int64, error) {
	aligned := (tf.eof + blockSize - 1) &^ (blockSize - 1)
	tf.eof = aligned

	var hdr [frameHeaderSize]byte
	put32(hdr[0:4], uint32(len(payload)))
	put32(hdr[4:8], crc32.ChecksumIEEE(payload))

	framed := make([]byte, 0, len(hdr)+len(payload))
	framed = append(framed, hdr[:]...)
	framed = append(framed, payload...)
	start, err := writeFramed(tf, blockTypeHeader, framed)
	if err != nil {
		return 0, err
	}
	if start != aligned {
		return 0, errCorruptNode("header write misaligned: got %d want %d", start, aligned)
	}
	return start, nil
}

// findLastHeader scans backward from the last block of the file looking
// for a header block whose chunk decodes with a valid CRC, per spec §4.1.
// It returns errNoHeader if none is found.
func findLastHeader(tf *TreeFile, validateVersion func(payload []byte) error) (int64, []byte, error) {
	size := tf.eof
	if size <= 0 {
		return 0, nil, errNoHeader()
	}
	blockStart := (size - 1) / blockSize * blockSize
	for blockStart >= 0 {
		typ, err := readBlockPrefix(tf, blockStart)
		if err == nil && typ == blockTypeHeader {
			payload, err := readHeaderChunk(tf, blockStart)
			if err == nil {
				if validateVersion == nil || validateVersion(payload) == nil {
					return blockStart, payload, nil
				}
			}
		}
		blockStart -= blockSize
	}
	return 0, nil, errNoHeader()
}
