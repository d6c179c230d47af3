package cowdb

import "encoding/binary"

// A Reducer maintains the running summary value stored in every NodePointer
// of a tree, per spec §4.4 invariant 8: a KP node's reduce value always
// equals Rereduce of its children's reduce values, and a leaf-adjacent KP
// node's reduce value always equals Reduce of the KV entries below it.
type Reducer interface {
	// Reduce computes the reduce value for a run of leaf entries.
	Reduce(entries []kvEntry) ([]byte, error)
	// Rereduce combines reduce values already produced by Reduce or a
	// previous Rereduce call.
	Rereduce(values [][]byte) ([]byte, error)
}

// idReduceSize is the width of the by-id tree's reduce value: three 48-bit
// counters (item count, deleted-item count, subtree data bytes), matching
// couchstore's id-tree reduction (original_source/src/couch_btree.h).
const idReduceSize = 18

// idReducer is the built-in reduction for the by-id tree.
type idReducer struct{}

func (idReducer) Reduce(entries []kvEntry) ([]byte, error) {
	var count, deleted, size uint64
	for _, e := range entries {
		info, err := decodeIDValue(e.key, e.value)
		if err != nil {
			return nil, err
		}
		count++
		if info.Deleted {
			deleted++
		}
		size += uint64(info.BodySize)
	}
	return packIDReduce(count, deleted, size), nil
}

func (idReducer) Rereduce(values [][]byte) ([]byte, error) {
	var count, deleted, size uint64
	for _, v := range values {
		if len(v) != idReduceSize {
			return nil, errReductionTooLarge(len(v))
		}
		count += get48(v[0:6])
		deleted += get48(v[6:12])
		size += get48(v[12:18])
	}
	return packIDReduce(count, deleted, size), nil
}

func packIDReduce(count, deleted, size uint64) []byte {
	buf := make([]byte, idReduceSize)
	put48(buf[0:6], count)
	put48(buf[6:12], deleted)
	put48(buf[12:18], size)
	return buf
}

// DecodeIDReduce unpacks a by-id tree reduce value into its three counters.
func DecodeIDReduce(v []byte) (count, deletedCount, subtreeDataBytes uint64, err error) {
	if len(v) != idReduceSize {
		return 0, 0, 0, errReductionTooLarge(len(v))
	}
	return get48(v[0:6]), get48(v[6:12]), get48(v[12:18]), nil
}

// seqReduceSize is the width of the by-seq tree's reduce value: a single
// 48-bit item count.
const seqReduceSize = 6

// seqReducer is the built-in reduction for the by-seq tree.
type seqReducer struct{}

func (seqReducer) Reduce(entries []kvEntry) ([]byte, error) {
	buf := make([]byte, seqReduceSize)
	put48(buf, uint64(len(entries)))
	return buf, nil
}

func (seqReducer) Rereduce(values [][]byte) ([]byte, error) {
	var count uint64
	for _, v := range values {
		if len(v) != seqReduceSize {
			return nil, errReductionTooLarge(len(v))
		}
		count += get48(v)
	}
	return packIDReduceSeq(count), nil
}

func packIDReduceSeq(count uint64) []byte {
	buf := make([]byte, seqReduceSize)
	put48(buf, count)
	return buf
}

// DecodeSeqReduce unpacks a by-seq tree reduce value into its item count.
func DecodeSeqReduce(v []byte) (count uint64, err error) {
	if len(v) != seqReduceSize {
		return 0, errReductionTooLarge(len(v))
	}
	return get48(v), nil
}

// The following general-purpose reducers operate over user-supplied value
// trees (e.g. a secondary index built with [BuildFromSorted]) whose values
// are interpreted as big-endian uint64 counters, matching the built-in
// "_count" and "_sum" reduce functions CouchDB-style views commonly use.

// CountReducer counts leaf entries regardless of their value.
type CountReducer struct{}

func (CountReducer) Reduce(entries []kvEntry) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(len(entries)))
	return buf, nil
}

func (CountReducer) Rereduce(values [][]byte) ([]byte, error) {
	var total uint64
	for _, v := range values {
		if len(v) != 8 {
			return nil, errReductionTooLarge(len(v))
		}
		total += binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, total)
	return buf, nil
}

// SumReducer sums leaf values interpreted as big-endian uint64s.
type SumReducer struct{}

func (SumReducer) Reduce(entries []kvEntry) ([]byte, error) {
	var total uint64
	for _, e := range entries {
		if len(e.value) != 8 {
			return nil, errReductionTooLarge(len(e.value))
		}
		total += binary.BigEndian.Uint64(e.value)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, total)
	return buf, nil
}

func (SumReducer) Rereduce(values [][]byte) ([]byte, error) {
	return (CountReducer{}).Rereduce(values) // same fold-by-sum shape
}

// StatsReducer tracks count/sum/min/max over big-endian uint64 leaf values,
// matching CouchDB's built-in "_stats" reduce. Its encoded form is four
// consecutive big-endian uint64s: count, sum, min, max.
type StatsReducer struct{}

type statsAcc struct{ count, sum, min, max uint64 }

func (StatsReducer) Reduce(entries []kvEntry) ([]byte, error) {
	var acc statsAcc
	for i, e := range entries {
		if len(e.value) != 8 {
			return nil, errReductionTooLarge(len(e.value))
		}
		v := binary.BigEndian.Uint64(e.value)
		acc.count++
		acc.sum += v
		if i == 0 || v < acc.min {
			acc.min = v
		}
		if i == 0 || v > acc.max {
			acc.max = v
		}
	}
	return encodeStatsAcc(acc), nil
}

func (StatsReducer) Rereduce(values [][]byte) ([]byte, error) {
	var acc statsAcc
	for i, v := range values {
		if len(v) != 32 {
			return nil, errReductionTooLarge(len(v))
		}
		other := decodeStatsAcc(v)
		acc.count += other.count
		acc.sum += other.sum
		if i == 0 || other.min < acc.min {
			acc.min = other.min
		}
		if i == 0 || other.max > acc.max {
			acc.max = other.max
		}
	}
	return encodeStatsAcc(acc), nil
}

func encodeStatsAcc(acc statsAcc) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], acc.count)
	binary.BigEndian.PutUint64(buf[8:16], acc.sum)
	binary.BigEndian.PutUint64(buf[16:24], acc.min)
	binary.BigEndian.PutUint64(buf[24:32], acc.max)
	return buf
}

func decodeStatsAcc(buf []byte) statsAcc {
	return statsAcc{
		count: binary.BigEndian.Uint64(buf[0:8]),
		sum:   binary.BigEndian.Uint64(buf[8:16]),
		min:   binary.BigEndian.Uint64(buf[16:24]),
		max:   binary.BigEndian.Uint64(buf[24:32]),
	}
}
