package cowdb

// currentDiskVersion is the on-disk format version this package writes, per
// spec §4.1/§9 (couchstore's own history runs through several incompatible
// versions; we commit to writing the latest one).
const currentDiskVersion = 9

// minReadableDiskVersion is the oldest disk_version this package will open,
// per spec §6 ("implementations must read versions >= 7"). A file written at
// 7 or 8 opens read/write as-is; writeDBHeader stamps currentDiskVersion on
// every header it writes, so the next Commit or a compaction records
// currentDiskVersion. CompactUpgradeDB is the path that additionally passes
// every document through CompactHook to rewrite its metadata layout.
const minReadableDiskVersion = 7

// A Header is the commit record at the head of a tree file, per spec §3/
// §4.1: the roots of the by-id, by-seq, and local-docs trees, the database
// sequence counter, and the purge sequence (supplemented from
// original_source, spec §12).
type Header struct {
	DiskVersion   uint8
	UpdateSeq     uint64
	PurgeSeq      uint64
	ByIDRoot      *NodePointer
	BySeqRoot     *NodePointer
	LocalDocsRoot *NodePointer
}

func encodeHeader(h *Header) []byte {
	size := 1 + 6 + 6
	size += rootFieldSize(h.ByIDRoot)
	size += rootFieldSize(h.BySeqRoot)
	size += rootFieldSize(h.LocalDocsRoot)
	buf := make([]byte, size)
	buf[0] = h.DiskVersion
	put48(buf[1:7], h.UpdateSeq)
	put48(buf[7:13], h.PurgeSeq)
	off := 13
	off = putRootField(buf, off, h.ByIDRoot)
	off = putRootField(buf, off, h.BySeqRoot)
	putRootField(buf, off, h.LocalDocsRoot)
	return buf
}

func rootFieldSize(p *NodePointer) int {
	if p == nil {
		return 1
	}
	return 1 + 6 + 6 + 2 + len(p.ReduceValue)
}

func putRootField(buf []byte, off int, p *NodePointer) int {
	if p == nil {
		buf[off] = 0
		return off + 1
	}
	buf[off] = 1
	off++
	put48(buf[off:off+6], p.Pointer)
	off += 6
	put48(buf[off:off+6], p.SubtreeSize)
	off += 6
	put16(buf[off:off+2], uint16(len(p.ReduceValue)))
	off += 2
	off += copy(buf[off:], p.ReduceValue)
	return off
}

func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < 13 {
		return nil, errCorruptNode("truncated header")
	}
	h := &Header{
		DiskVersion: buf[0],
		UpdateSeq:   get48(buf[1:7]),
		PurgeSeq:    get48(buf[7:13]),
	}
	off := 13
	var err error
	if h.ByIDRoot, off, err = getRootField(buf, off); err != nil {
		return nil, err
	}
	if h.BySeqRoot, off, err = getRootField(buf, off); err != nil {
		return nil, err
	}
	if h.LocalDocsRoot, _, err = getRootField(buf, off); err != nil {
		return nil, err
	}
	return h, nil
}

func getRootField(buf []byte, off int) (*NodePointer, int, error) {
	if off >= len(buf) {
		return nil, 0, errCorruptNode("truncated header root field")
	}
	present := buf[off]
	off++
	if present == 0 {
		return nil, off, nil
	}
	if off+14 > len(buf) {
		return nil, 0, errCorruptNode("truncated header root field")
	}
	ptr := get48(buf[off : off+6])
	size := get48(buf[off+6 : off+12])
	rlen := get16(buf[off+12 : off+14])
	off += 14
	if off+int(rlen) > len(buf) {
		return nil, 0, errCorruptNode("truncated header root reduce value")
	}
	p := &NodePointer{
		Pointer:     ptr,
		SubtreeSize: size,
		ReduceValue: buf[off : off+int(rlen)],
	}
	off += int(rlen)
	return p, off, nil
}

// validateHeaderVersion is passed to findLastHeader so the block scanner
// rejects header chunks whose disk_version byte isn't plausible before
// parsing the rest of the header. Any version in [minReadableDiskVersion,
// currentDiskVersion] is accepted; an older file opens with its own version
// in the in-memory header, and the next header written for it (by Commit or
// by a compaction) carries currentDiskVersion.
func validateHeaderVersion(payload []byte) error {
	if len(payload) < 1 {
		return errCorruptNode("empty header payload")
	}
	if payload[0] < minReadableDiskVersion || payload[0] > currentDiskVersion {
		return errHeaderVersion(payload[0], minReadableDiskVersion)
	}
	return nil
}

// writeDBHeader writes h as a new header chunk and returns its offset.
func writeDBHeader(tf *TreeFile, h *Header) (int64, error) {
	h.DiskVersion = currentDiskVersion
	return writeHeader(tf, encodeHeader(h))
}

// readLastDBHeader locates and decodes the most recent valid header in tf.
func readLastDBHeader(tf *TreeFile) (int64, *Header, error) {
	off, payload, err := findLastHeader(tf, validateHeaderVersion)
	if err != nil {
		return 0, nil, err
	}
	h, err := decodeHeader(payload)
	if err != nil {
		return 0, nil, err
	}
	return off, h, nil
}
