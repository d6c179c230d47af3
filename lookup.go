package cowdb

import (
	"context"
	"errors"
	"sort"
)

// errFoldStopped unwinds a Fold once its callback returns ok=false, so that
// no sibling subtree is visited afterwards.
var errFoldStopped = errors.New("fold stopped")

// A Tree is a read-only handle onto one copy-on-write B+-tree rooted at a
// fixed NodePointer, per spec §4.5. Multiple Trees (e.g. successive
// snapshots, or the by-id/by-seq/local-docs trees of one header) may share
// the same underlying TreeFile concurrently: lookups never write.
type Tree struct {
	tf         *TreeFile
	root       *NodePointer
	cmp        Comparator
	compressor Compressor
}

func newTree(tf *TreeFile, root *NodePointer, cmp Comparator, c Compressor) *Tree {
	if cmp == nil {
		cmp = defaultComparator
	}
	if c == nil {
		c = identityCompressor{}
	}
	return &Tree{tf: tf, root: root, cmp: cmp, compressor: c}
}

func (t *Tree) loadNode(ptr *NodePointer) (*decodedNode, error) {
	if ptr == nil {
		return &decodedNode{}, nil
	}
	payload, err := readChunk(t.tf, int64(ptr.Pointer), t.compressor)
	if err != nil {
		return nil, err
	}
	return decodeNode(payload)
}

// Get performs a point lookup, per spec §4.5. ok is false if key is absent.
func (t *Tree) Get(ctx context.Context, key []byte) (value []byte, ok bool, err error) {
	ptr := t.root
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		node, err := t.loadNode(ptr)
		if err != nil {
			return nil, false, err
		}
		if ptr == nil {
			return nil, false, nil
		}
		if !node.isKP {
			i := sort.Search(len(node.entries), func(i int) bool {
				return t.cmp(node.entries[i].key, key) >= 0
			})
			if i < len(node.entries) && t.cmp(node.entries[i].key, key) == 0 {
				return node.entries[i].value, true, nil
			}
			return nil, false, nil
		}
		i := sort.Search(len(node.pointers), func(i int) bool {
			return t.cmp(node.pointers[i].Key, key) >= 0
		})
		if i == len(node.pointers) {
			return nil, false, nil
		}
		ptr = &node.pointers[i]
	}
}

// FoldFunc is called once per matching leaf entry during a Fold, in
// ascending key order. Returning ok=false stops the traversal early
// without an error, matching spec §9's "callback with context" redesign
// note in place of building a materialized result slice.
type FoldFunc func(ctx context.Context, key, value []byte) (ok bool, err error)

// Fold performs an in-order range scan over [startKey, endKey) (endKey nil
// means unbounded), per spec §4.5, pruning subtrees whose key range cannot
// overlap the requested range.
func (t *Tree) Fold(ctx context.Context, startKey, endKey []byte, fn FoldFunc) error {
	err := t.fold(ctx, t.root, startKey, endKey, fn)
	if err == errFoldStopped {
		return nil
	}
	return err
}

func (t *Tree) fold(ctx context.Context, ptr *NodePointer, startKey, endKey []byte, fn FoldFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	node, err := t.loadNode(ptr)
	if err != nil {
		return err
	}
	if !node.isKP {
		for _, e := range node.entries {
			if startKey != nil && t.cmp(e.key, startKey) < 0 {
				continue
			}
			if endKey != nil && t.cmp(e.key, endKey) >= 0 {
				return nil
			}
			ok, err := fn(ctx, e.key, e.value)
			if err != nil {
				return err
			}
			if !ok {
				return errFoldStopped
			}
		}
		return nil
	}
	for i := range node.pointers {
		child := &node.pointers[i]
		// child.Key is the largest key in the child subtree (invariant 7),
		// so a subtree can be skipped once its max key falls before
		// startKey.
		if startKey != nil && t.cmp(child.Key, startKey) < 0 {
			continue
		}
		if err := t.fold(ctx, child, startKey, endKey, fn); err != nil {
			return err
		}
		if endKey != nil && t.cmp(child.Key, endKey) >= 0 {
			return nil
		}
	}
	return nil
}

// Reduced returns the root's reduce value (nil for an empty tree), per
// spec §4.5.
func (t *Tree) Reduced() []byte {
	if t.root == nil {
		return nil
	}
	return t.root.ReduceValue
}
