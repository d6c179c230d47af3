package cowdb

// Layout of a by-id tree leaf value, per spec §3: the key is the document
// ID; the value packs everything needed to answer DocInfoByID without
// visiting the by-seq tree.
//
//	offset 0:  db_seq        (48 bits)
//	offset 6:  body_size     (32 bits)
//	offset 10: body_pointer  (48 bits, 0 if deleted)
//	offset 16: content_meta  (8 bits, doc.go's ContentMeta encoding)
//	offset 17: deleted       (8 bits, 0 or 1)
//	offset 18: rev_seq       (48 bits)
//	offset 24: rev_meta      (remainder of the value)
const idValueFixedSize = 24

func encodeIDValue(info *DocInfo) []byte {
	buf := make([]byte, idValueFixedSize+len(info.RevMeta))
	put48(buf[0:6], info.DBSeq)
	put32(buf[6:10], info.BodySize)
	put48(buf[10:16], info.BodyPointer)
	buf[16] = info.ContentMeta
	if info.Deleted {
		buf[17] = 1
	}
	put48(buf[18:24], info.RevSeq)
	copy(buf[24:], info.RevMeta)
	return buf
}

func decodeIDValue(id, value []byte) (*DocInfo, error) {
	if len(value) < idValueFixedSize {
		return nil, errCorruptNode("truncated by-id value for %q", id)
	}
	return &DocInfo{
		ID:          id,
		DBSeq:       get48(value[0:6]),
		BodySize:    get32(value[6:10]),
		BodyPointer: get48(value[10:16]),
		ContentMeta: value[16],
		Deleted:     value[17] != 0,
		RevSeq:      get48(value[18:24]),
		RevMeta:     value[24:],
	}, nil
}
