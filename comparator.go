package cowdb

import "bytes"

// A Comparator orders two keys the same way for every tree operation over a
// given file; changing it after documents exist corrupts lookups, per spec
// §4.4 invariant 6 (a tree's key order is fixed at creation).
type Comparator func(a, b []byte) int

// defaultComparator orders keys by byte value, matching couchstore's default
// docid comparator (original_source/src/couch_btree.h ebin_cmp).
func defaultComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}
