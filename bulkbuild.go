package cowdb

import (
	"container/heap"
	"fmt"
	"sort"
)

// Bulk tree construction from a large, unsorted input: chunked in-memory
// sort of bounded-size runs spilled to scratch files, merged back together
// with a k-way heap merge, and assembled bottom-up into a tree — the same
// shape as couchstore's external sort tool (original_source/src/
// tree_writer.h), reimplemented over this package's FileOps instead of a
// bespoke scratch-file format.

// sortRunChunkBytes bounds how much of the input is held in memory at once
// before a run is sorted and spilled, per spec §4.7.
const sortRunChunkBytes = 4 << 20

// scratchRecord is one key/value pair as spilled to a scratch run file: a
// 4-byte key length, key, 4-byte value length, value.
func encodeScratchRecord(e kvEntry) []byte {
	buf := make([]byte, 4+len(e.key)+4+len(e.value))
	put32(buf[0:4], uint32(len(e.key)))
	off := 4
	off += copy(buf[off:], e.key)
	put32(buf[off:off+4], uint32(len(e.value)))
	off += 4
	copy(buf[off:], e.value)
	return buf
}

// scratchRun is a sorted run spilled to a scratch file, read back
// sequentially during the merge phase.
type scratchRun struct {
	ops    FileOps
	path   string
	handle Handle
	off    int64
	size   int64
}

func (r *scratchRun) next() (kvEntry, bool, error) {
	if r.off >= r.size {
		return kvEntry{}, false, nil
	}
	var lbuf [4]byte
	if _, err := r.handle.Pread(lbuf[:], r.off); err != nil {
		return kvEntry{}, false, errIO(err, "read scratch record length at %d", r.off)
	}
	klen := get32(lbuf[:])
	r.off += 4
	key := make([]byte, klen)
	if klen > 0 {
		if _, err := r.handle.Pread(key, r.off); err != nil {
			return kvEntry{}, false, errIO(err, "read scratch key at %d", r.off)
		}
	}
	r.off += int64(klen)
	if _, err := r.handle.Pread(lbuf[:], r.off); err != nil {
		return kvEntry{}, false, errIO(err, "read scratch value length at %d", r.off)
	}
	vlen := get32(lbuf[:])
	r.off += 4
	value := make([]byte, vlen)
	if vlen > 0 {
		if _, err := r.handle.Pread(value, r.off); err != nil {
			return kvEntry{}, false, errIO(err, "read scratch value at %d", r.off)
		}
	}
	r.off += int64(vlen)
	return kvEntry{key: key, value: value}, true, nil
}

func (r *scratchRun) close() {
	r.ops.Close(r.handle)
	r.ops.Destructor(r.handle)
	r.ops.Remove(r.path)
}

// spillRun sorts entries in place with cmp and writes them to a fresh
// scratch file, returning a handle for the merge phase to read back.
func spillRun(ops FileOps, path string, entries []kvEntry, cmp Comparator) (*scratchRun, error) {
	sort.Slice(entries, func(i, j int) bool { return cmp(entries[i].key, entries[j].key) < 0 })
	h, err := ops.Open(path, OpenCreate)
	if err != nil {
		return nil, err
	}
	var off int64
	for _, e := range entries {
		rec := encodeScratchRecord(e)
		if _, err := h.Pwrite(rec, off); err != nil {
			ops.Close(h)
			ops.Remove(path)
			return nil, errIO(err, "spill sort run to %s", path)
		}
		off += int64(len(rec))
	}
	if err := h.Sync(); err != nil {
		ops.Close(h)
		ops.Remove(path)
		return nil, err
	}
	return &scratchRun{ops: ops, path: path, handle: h, size: off}, nil
}

// mergeHeapItem is one run's current head record, ordered by key.
type mergeHeapItem struct {
	run   *scratchRun
	entry kvEntry
}

type mergeHeap struct {
	items []*mergeHeapItem
	cmp   Comparator
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].entry.key, h.items[j].entry.key) < 0
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)    { h.items = append(h.items, x.(*mergeHeapItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// BuildFromSorted bulk-loads entries, which must already be in ascending
// cmp order with no duplicate keys, directly into a new tree without going
// through the copy-on-write modify engine, per spec §4.7. This is the fast
// path used once the external sort/merge below has produced a fully
// ordered stream.
func BuildFromSorted(tf *TreeFile, compressor Compressor, reducer Reducer, compress bool, entries []kvEntry) (*NodePointer, error) {
	// Bulk building is only ever used by the compactor (spec §4.7/§4.8), so
	// nodes are flushed at the lower compaction threshold (spec §4.6.2).
	w := newNodeWriter(tf, compressor, reducer, compress, true)
	for _, e := range entries {
		if err := w.AddLeaf(e.key, e.value); err != nil {
			return nil, err
		}
	}
	pointers, err := w.FinishLeaves()
	if err != nil {
		return nil, err
	}
	return buildRoot(tf, compressor, reducer, pointers, true)
}

// SortAndBuild performs an external sort of an arbitrarily large, unsorted
// input (splitting it into bounded in-memory runs, sorting each, spilling
// it to a scratch file, then k-way merging the runs) and bulk-builds a
// tree from the merged stream, per spec §4.7. scratchOps/scratchPathPrefix
// name where run files are created; every run file is removed before
// SortAndBuild returns, success or failure.
func SortAndBuild(tf *TreeFile, scratchOps FileOps, scratchPathPrefix string, cmp Comparator, reducer Reducer, compressor Compressor, compress bool, input []kvEntry) (*NodePointer, error) {
	if cmp == nil {
		cmp = defaultComparator
	}
	var runs []*scratchRun
	defer func() {
		for _, r := range runs {
			r.close()
		}
	}()

	chunkStart := 0
	chunkBytes := 0
	runIdx := 0
	flushChunk := func(end int) error {
		if end <= chunkStart {
			return nil
		}
		buf := make([]kvEntry, end-chunkStart)
		copy(buf, input[chunkStart:end])
		path := fmt.Sprintf("%s.run%d", scratchPathPrefix, runIdx)
		runIdx++
		run, err := spillRun(scratchOps, path, buf, cmp)
		if err != nil {
			return err
		}
		runs = append(runs, run)
		return nil
	}
	for i, e := range input {
		chunkBytes += entrySizeKV(e.key, e.value)
		if chunkBytes >= sortRunChunkBytes {
			if err := flushChunk(i + 1); err != nil {
				return nil, err
			}
			chunkStart = i + 1
			chunkBytes = 0
		}
	}
	if err := flushChunk(len(input)); err != nil {
		return nil, err
	}

	w := newNodeWriter(tf, compressor, reducer, compress, true)
	h := &mergeHeap{cmp: cmp}
	for _, r := range runs {
		e, ok, err := r.next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(h, &mergeHeapItem{run: r, entry: e})
		}
	}
	heap.Init(h)
	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeHeapItem)
		if err := w.AddLeaf(item.entry.key, item.entry.value); err != nil {
			return nil, err
		}
		next, ok, err := item.run.next()
		if err != nil {
			return nil, err
		}
		if ok {
			heap.Push(h, &mergeHeapItem{run: item.run, entry: next})
		}
	}
	pointers, err := w.FinishLeaves()
	if err != nil {
		return nil, err
	}
	return buildRoot(tf, compressor, reducer, pointers, true)
}
