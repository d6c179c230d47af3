package cowdb

// Node types, per spec §4.4: a node begins with a 1-byte type, 0 for a leaf
// (KV) node holding document key/value pairs, 1 for an internal (KP) node
// holding keys and child pointers.
const (
	nodeTypeKV byte = 0
	nodeTypeKP byte = 1
)

const maxValueLen = 1<<28 - 1

// A NodePointer is a reference to a child subtree from a KP node, per spec
// §3: Pointer is a byte offset in the file, SubtreeSize is the total disk
// bytes owned by the subtree, and Key equals the largest key in the
// subtree (invariant 7).
type NodePointer struct {
	Key         []byte
	Pointer     uint64
	SubtreeSize uint64
	ReduceValue []byte
}

// rawNodePointerSize is the encoded size of a NodePointer's value portion
// (everything after its key), per spec §4.4/§6: 48-bit offset, 48-bit
// subtree size, 16-bit reduce length, then the reduce bytes.
func rawNodePointerSize(reduceLen int) int {
	return 6 + 6 + 2 + reduceLen
}

// A kvEntry is one key/value pair in a KV (leaf) node.
type kvEntry struct {
	key   []byte
	value []byte
}

func entrySizeKV(key, value []byte) int {
	return 5 + len(key) + len(value) // 5 bytes = 12-bit key length + 28-bit value length
}

func entrySizeKP(ptr *NodePointer) int {
	return 5 + len(ptr.Key) + rawNodePointerSize(len(ptr.ReduceValue))
}

// encodeKVNode serializes entries (already in comparator order) as a KV
// node. alloc provides the backing buffer (arena-allocated by nodeWriter,
// per spec §4.2: the encode buffer is transient scratch discarded once the
// chunk is durably written); alloc(n) must return a zeroed slice of length
// n. A nil alloc falls back to a plain make().
func encodeKVNode(entries []kvEntry, alloc func(int) []byte) ([]byte, error) {
	size := 1
	for _, e := range entries {
		if len(e.key) > MaxKeySize {
			return nil, errInvalidArgument("key of %d bytes exceeds %d-byte limit", len(e.key), MaxKeySize)
		}
		if len(e.value) > maxValueLen {
			return nil, errInvalidArgument("value of %d bytes exceeds %d-byte limit", len(e.value), maxValueLen)
		}
		size += entrySizeKV(e.key, e.value)
	}
	if alloc == nil {
		alloc = func(n int) []byte { return make([]byte, n) }
	}
	buf := alloc(size)
	buf[0] = nodeTypeKV
	off := 1
	for _, e := range entries {
		putKVLen(buf[off:], uint32(len(e.key)), uint32(len(e.value)))
		off += 5
		off += copy(buf[off:], e.key)
		off += copy(buf[off:], e.value)
	}
	return buf, nil
}

// encodeKPNode serializes pointers (already in comparator order) as a KP
// node. See encodeKVNode for the alloc contract.
func encodeKPNode(pointers []NodePointer, alloc func(int) []byte) ([]byte, error) {
	size := 1
	for i := range pointers {
		p := &pointers[i]
		if len(p.Key) > MaxKeySize {
			return nil, errInvalidArgument("key of %d bytes exceeds %d-byte limit", len(p.Key), MaxKeySize)
		}
		if len(p.ReduceValue) > MaxReduceSize {
			return nil, errReductionTooLarge(len(p.ReduceValue))
		}
		size += entrySizeKP(p)
	}
	if alloc == nil {
		alloc = func(n int) []byte { return make([]byte, n) }
	}
	buf := alloc(size)
	buf[0] = nodeTypeKP
	off := 1
	for i := range pointers {
		p := &pointers[i]
		rawLen := rawNodePointerSize(len(p.ReduceValue))
		putKVLen(buf[off:], uint32(len(p.Key)), uint32(rawLen))
		off += 5
		off += copy(buf[off:], p.Key)
		put48(buf[off:], p.Pointer)
		off += 6
		put48(buf[off:], p.SubtreeSize)
		off += 6
		put16(buf[off:], uint16(len(p.ReduceValue)))
		off += 2
		off += copy(buf[off:], p.ReduceValue)
	}
	return buf, nil
}

// decodedNode is the parsed form of an on-disk node, holding exactly one of
// its two slices populated depending on isKP.
type decodedNode struct {
	isKP     bool
	entries  []kvEntry     // populated when !isKP
	pointers []NodePointer // populated when isKP
}

// decodeNode parses an encoded node produced by encodeKVNode/encodeKPNode.
func decodeNode(data []byte) (*decodedNode, error) {
	if len(data) < 1 {
		return nil, errCorruptNode("empty node")
	}
	switch data[0] {
	case nodeTypeKV:
		entries, err := decodeKVEntries(data[1:])
		if err != nil {
			return nil, err
		}
		return &decodedNode{entries: entries}, nil
	case nodeTypeKP:
		pointers, err := decodeKPEntries(data[1:])
		if err != nil {
			return nil, err
		}
		return &decodedNode{isKP: true, pointers: pointers}, nil
	default:
		return nil, errCorruptNode("unknown node type byte %d", data[0])
	}
}

func decodeKVEntries(data []byte) ([]kvEntry, error) {
	var entries []kvEntry
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, errCorruptNode("truncated KV entry header")
		}
		klen, vlen := getKVLen(data)
		data = data[5:]
		if uint32(len(data)) < klen+vlen {
			return nil, errCorruptNode("truncated KV entry body")
		}
		key := data[:klen]
		value := data[klen : klen+vlen]
		data = data[klen+vlen:]
		entries = append(entries, kvEntry{key: key, value: value})
	}
	return entries, nil
}

func decodeKPEntries(data []byte) ([]NodePointer, error) {
	var pointers []NodePointer
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, errCorruptNode("truncated KP entry header")
		}
		klen, plen := getKVLen(data)
		data = data[5:]
		if uint32(len(data)) < klen+plen {
			return nil, errCorruptNode("truncated KP entry body")
		}
		key := data[:klen]
		rest := data[klen : klen+plen]
		data = data[klen+plen:]
		if len(rest) < 14 {
			return nil, errCorruptNode("truncated node pointer")
		}
		ptr := get48(rest[0:6])
		subtree := get48(rest[6:12])
		rlen := get16(rest[12:14])
		rest = rest[14:]
		if uint32(len(rest)) < uint32(rlen) {
			return nil, errCorruptNode("truncated reduce value")
		}
		pointers = append(pointers, NodePointer{
			Key:         key,
			Pointer:     ptr,
			SubtreeSize: subtree,
			ReduceValue: rest[:rlen],
		})
	}
	return pointers, nil
}
