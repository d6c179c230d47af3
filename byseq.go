package cowdb

// Layout of a by-seq tree leaf value, per spec §3: the key is the 48-bit
// database sequence number; the value restates the fixed by-id fields plus
// the document ID itself, so a sequence scan never needs a by-id lookup to
// report what changed.
//
//	offset 0: id_len        (16 bits)
//	offset 2: id            (id_len bytes)
//	then, at offset 2+id_len:
//	  body_size    (32 bits)
//	  body_pointer (48 bits)
//	  content_meta (8 bits)
//	  deleted      (8 bits)
//	  rev_seq      (48 bits)
//	  rev_meta     (remainder)
const seqValueFixedSize = 4 + 6 + 1 + 1 + 6

func encodeSeqValue(info *DocInfo) []byte {
	buf := make([]byte, 2+len(info.ID)+seqValueFixedSize+len(info.RevMeta))
	put16(buf[0:2], uint16(len(info.ID)))
	off := 2
	off += copy(buf[off:], info.ID)
	put32(buf[off:off+4], info.BodySize)
	off += 4
	put48(buf[off:off+6], info.BodyPointer)
	off += 6
	buf[off] = info.ContentMeta
	off++
	if info.Deleted {
		buf[off] = 1
	}
	off++
	put48(buf[off:off+6], info.RevSeq)
	off += 6
	copy(buf[off:], info.RevMeta)
	return buf
}

func decodeSeqValue(seq uint64, value []byte) (*DocInfo, error) {
	if len(value) < 2 {
		return nil, errCorruptNode("truncated by-seq value at seq %d", seq)
	}
	idLen := int(get16(value[0:2]))
	value = value[2:]
	if len(value) < idLen+seqValueFixedSize {
		return nil, errCorruptNode("truncated by-seq value at seq %d", seq)
	}
	id := value[:idLen]
	value = value[idLen:]
	bodySize := get32(value[0:4])
	bodyPointer := get48(value[4:10])
	contentMeta := value[10]
	deleted := value[11] != 0
	revSeq := get48(value[12:18])
	revMeta := value[18:]
	return &DocInfo{
		ID:          id,
		DBSeq:       seq,
		RevSeq:      revSeq,
		RevMeta:     revMeta,
		Deleted:     deleted,
		ContentMeta: contentMeta,
		BodyPointer: bodyPointer,
		BodySize:    bodySize,
	}, nil
}
