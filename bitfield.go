package cowdb

import "encoding/binary"

// Bit-packed field helpers, matching couchstore's raw_xx encode/decode
// convention (original_source/src/bitfield.h, bitfield.cc): integers
// narrower than a byte-aligned type are stored right-justified in their
// field, big-endian, with no padding bits used for anything else.
//
// Open Question (spec §9): the source widens 40-bit and 48-bit raw fields
// inconsistently across call sites. This implementation treats every
// subtree-size and file-offset field as 48 bits, per the spec's resolution.

// get48 decodes a 48-bit big-endian unsigned integer from the first 6
// bytes of buf.
func get48(buf []byte) uint64 {
	var tmp [8]byte
	copy(tmp[2:], buf[:6])
	return binary.BigEndian.Uint64(tmp[:])
}

// put48 encodes v into the first 6 bytes of buf as a 48-bit big-endian
// unsigned integer. v must fit in 48 bits.
func put48(buf []byte, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(buf[:6], tmp[2:])
}

// get16 decodes a 16-bit big-endian unsigned integer.
func get16(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf[:2])
}

func put16(buf []byte, v uint16) {
	binary.BigEndian.PutUint16(buf[:2], v)
}

func get32(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[:4])
}

func put32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf[:4], v)
}

func get64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf[:8])
}

func put64(buf []byte, v uint64) {
	binary.BigEndian.PutUint64(buf[:8], v)
}

// getKVLen decodes the 12-bit key-length/28-bit value-length pair packed
// into the first 5 bytes of buf, matching the node-entry layout in spec
// §4.4/§6: the top 12 bits of a 40-bit field are the key length, the
// bottom 28 are the value length.
func getKVLen(buf []byte) (klen, vlen uint32) {
	var tmp [8]byte
	copy(tmp[3:], buf[:5])
	v := binary.BigEndian.Uint64(tmp[:])
	klen = uint32(v >> 28)
	vlen = uint32(v & 0x0FFFFFFF)
	return
}

// putKVLen encodes klen (must fit in 12 bits) and vlen (must fit in 28
// bits) into the first 5 bytes of buf.
func putKVLen(buf []byte, klen, vlen uint32) {
	v := uint64(klen)<<28 | uint64(vlen&0x0FFFFFFF)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(buf[:5], tmp[3:])
}
