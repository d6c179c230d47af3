package cowdb

import "cowdb/internal/arena"

// Target on-disk sizes for newly written nodes, per spec §4.6.2. Nodes are
// flushed once their encoded size would exceed the threshold, not packed
// to an exact byte count. During compaction, where trees are bulk-rebuilt
// from an already-sorted stream rather than patched in place, the threshold
// drops to about two thirds of the normal default — the bulk builder never
// revisits a node once written, so there is no later chance to fill a node
// back up the way an in-place modify can.
const (
	kvChunkThreshold = 1331
	kpChunkThreshold = 1331

	compactionKVChunkThreshold = kvChunkThreshold * 2 / 3
	compactionKPChunkThreshold = kpChunkThreshold * 2 / 3

	// minItemsBeforeFlush/minItemsBeforeFlushCompaction guard against
	// flushing a node that has crossed the byte threshold but is still too
	// sparse to be worth writing out on its own — per spec §4.6.2, at least
	// three buffered items outside compaction, and two during compaction.
	minItemsBeforeFlush           = 3
	minItemsBeforeFlushCompaction = 2
)

// nodeWriter accumulates leaf entries or child pointers and flushes them
// to disk in threshold-sized chunks, used by both the copy-on-write modify
// engine (modify.go) and the external bulk tree builder (bulkbuild.go).
type nodeWriter struct {
	tf         *TreeFile
	compressor Compressor
	reducer    Reducer
	compress   bool

	// compacting selects the lower compaction chunk threshold and minimum
	// item count, per spec §4.6.2.
	compacting    bool
	kvThreshold   int
	kpThreshold   int
	minItems      int

	// ar backs each node's encode buffer, per spec §4.2: each nodeWriter
	// owns its own arena, which is rewound after every flush, since a
	// node's encoded bytes are only needed transiently until writeChunk has
	// copied them into its own framing buffer.
	ar *arena.Arena

	kvEntries []kvEntry
	kvSize    int
	kpPtrs    []NodePointer
	kpSize    int

	out []NodePointer
}

func newNodeWriter(tf *TreeFile, compressor Compressor, reducer Reducer, compress bool, compacting bool) *nodeWriter {
	if compressor == nil {
		compressor = identityCompressor{}
	}
	w := &nodeWriter{tf: tf, compressor: compressor, reducer: reducer, compress: compress, compacting: compacting, ar: arena.New(0)}
	if compacting {
		w.kvThreshold = compactionKVChunkThreshold
		w.kpThreshold = compactionKPChunkThreshold
		w.minItems = minItemsBeforeFlushCompaction
	} else {
		w.kvThreshold = kvChunkThreshold
		w.kpThreshold = kpChunkThreshold
		w.minItems = minItemsBeforeFlush
	}
	return w
}

// AddLeaf appends one leaf entry, flushing the pending KV node first if
// adding it would exceed the threshold and at least minItems entries are
// already buffered.
func (w *nodeWriter) AddLeaf(key, value []byte) error {
	sz := entrySizeKV(key, value)
	if len(w.kvEntries) >= w.minItems && w.kvSize+sz > w.kvThreshold {
		if err := w.flushLeaf(); err != nil {
			return err
		}
	}
	w.kvEntries = append(w.kvEntries, kvEntry{key: key, value: value})
	w.kvSize += sz
	return nil
}

func (w *nodeWriter) flushLeaf() error {
	if len(w.kvEntries) == 0 {
		return nil
	}
	entries := w.kvEntries
	w.kvEntries = nil
	w.kvSize = 0
	mark := w.ar.Mark()
	payload, err := encodeKVNode(entries, w.ar.AllocUnaligned)
	if err != nil {
		return err
	}
	reduceValue, err := w.reducer.Reduce(entries)
	if err != nil {
		return err
	}
	raw, compressed, err := maybeCompress(w.compressor, payload, w.compress)
	if err != nil {
		return err
	}
	off, err := writeChunk(w.tf, raw, compressed)
	w.ar.Rewind(mark)
	if err != nil {
		return err
	}
	w.out = append(w.out, NodePointer{
		Key:         entries[len(entries)-1].key,
		Pointer:     uint64(off),
		SubtreeSize: uint64(len(raw) + frameHeaderSize),
		ReduceValue: reduceValue,
	})
	return nil
}

// AddChild appends one child pointer, flushing the pending KP node first
// if adding it would exceed the threshold and at least minItems pointers
// are already buffered.
func (w *nodeWriter) AddChild(p NodePointer) error {
	sz := entrySizeKP(&p)
	if len(w.kpPtrs) >= w.minItems && w.kpSize+sz > w.kpThreshold {
		if err := w.flushKP(); err != nil {
			return err
		}
	}
	w.kpPtrs = append(w.kpPtrs, p)
	w.kpSize += sz
	return nil
}

func (w *nodeWriter) flushKP() error {
	if len(w.kpPtrs) == 0 {
		return nil
	}
	ptrs := w.kpPtrs
	w.kpPtrs = nil
	w.kpSize = 0
	mark := w.ar.Mark()
	payload, err := encodeKPNode(ptrs, w.ar.AllocUnaligned)
	if err != nil {
		return err
	}
	reduceValues := make([][]byte, len(ptrs))
	var subtreeSize uint64
	for i, p := range ptrs {
		reduceValues[i] = p.ReduceValue
		subtreeSize += p.SubtreeSize
	}
	reduceValue, err := w.reducer.Rereduce(reduceValues)
	if err != nil {
		return err
	}
	off, err := writeChunk(w.tf, payload, false)
	payloadLen := len(payload)
	w.ar.Rewind(mark)
	if err != nil {
		return err
	}
	subtreeSize += uint64(payloadLen + frameHeaderSize)
	w.out = append(w.out, NodePointer{
		Key:         ptrs[len(ptrs)-1].Key,
		Pointer:     uint64(off),
		SubtreeSize: subtreeSize,
		ReduceValue: reduceValue,
	})
	return nil
}

// FinishLeaves flushes any pending leaf entries and returns every pointer
// produced.
func (w *nodeWriter) FinishLeaves() ([]NodePointer, error) {
	if err := w.flushLeaf(); err != nil {
		return nil, err
	}
	out := w.out
	w.out = nil
	return out, nil
}

// FinishChildren flushes any pending child pointers and returns every
// pointer produced.
func (w *nodeWriter) FinishChildren() ([]NodePointer, error) {
	if err := w.flushKP(); err != nil {
		return nil, err
	}
	out := w.out
	w.out = nil
	return out, nil
}

// buildRoot repeatedly groups pointers into KP nodes, one tree level at a
// time, until a single root pointer remains, per spec §4.6/§4.7 (both the
// modify engine's root-completion step and the bulk builder's bottom-up
// assembly use this). An empty input yields a nil root (an empty tree).
func buildRoot(tf *TreeFile, compressor Compressor, reducer Reducer, pointers []NodePointer, compacting bool) (*NodePointer, error) {
	if len(pointers) == 0 {
		return nil, nil
	}
	for len(pointers) > 1 {
		w := newNodeWriter(tf, compressor, reducer, false, compacting)
		for _, p := range pointers {
			if err := w.AddChild(p); err != nil {
				return nil, err
			}
		}
		next, err := w.FinishChildren()
		if err != nil {
			return nil, err
		}
		pointers = next
	}
	return &pointers[0], nil
}
