package cowdb

import "sort"

// actionKind is the closed set of operations a batch entry may perform on a
// key, per spec §4.6/§9 (Op ∈ {Fetch, Insert(value), Remove}).
type actionKind int

const (
	actionInsert actionKind = iota
	actionRemove
	// actionFetch looks up its key's current value without modifying the
	// tree, per spec §4.6.1: it emits a fetch callback but produces no
	// modification, same as a plain lookup folded into the same sorted pass
	// as any inserts/removes in the batch.
	actionFetch
)

// A fetchFunc is invoked once for each actionFetch entry as mergeLeaf walks
// past its key, per spec §4.6.1. found is false when the key has no current
// entry. The tree is never modified on its behalf.
type fetchFunc func(value []byte, found bool) error

// A treeAction is one entry in a sorted batch applied to a tree by
// [modifyTree]. Callers must supply actions pre-sorted by key (ties broken
// by later actions overriding earlier ones), matching couchstore's
// sorted-action-stream modify engine (spec §4.6). fetch is only set for
// actionFetch entries.
type treeAction struct {
	key   []byte
	value []byte
	kind  actionKind
	fetch fetchFunc
}

// modifyTree applies a sorted batch of actions to the tree rooted at root,
// returning the new root (nil if the tree becomes empty), per spec §4.6.
// It never mutates any existing node; every touched node is rewritten at a
// new file offset, and every KP ancestor on the path to a changed leaf is
// rewritten too, preserving every earlier header's view of the file.
func modifyTree(tf *TreeFile, root *NodePointer, actions []treeAction, cmp Comparator, reducer Reducer, compressor Compressor, compress bool) (*NodePointer, error) {
	if len(actions) == 0 {
		return root, nil
	}
	if cmp == nil {
		cmp = defaultComparator
	}
	actions = dedupeActions(actions, cmp)
	pointers, err := modifySubtree(tf, root, actions, cmp, reducer, compressor, compress)
	if err != nil {
		return nil, err
	}
	return buildRoot(tf, compressor, reducer, pointers, false)
}

func modifySubtree(tf *TreeFile, ptr *NodePointer, actions []treeAction, cmp Comparator, reducer Reducer, compressor Compressor, compress bool) ([]NodePointer, error) {
	var isKP bool
	var entries []kvEntry
	var children []NodePointer
	if ptr != nil {
		payload, err := readChunk(tf, int64(ptr.Pointer), compressor)
		if err != nil {
			return nil, err
		}
		node, err := decodeNode(payload)
		if err != nil {
			return nil, err
		}
		isKP = node.isKP
		entries = node.entries
		children = node.pointers
	}

	if !isKP {
		merged, err := mergeLeaf(entries, actions, cmp)
		if err != nil {
			return nil, err
		}
		w := newNodeWriter(tf, compressor, reducer, compress, false)
		for _, e := range merged {
			if err := w.AddLeaf(e.key, e.value); err != nil {
				return nil, err
			}
		}
		return w.FinishLeaves()
	}

	groups := partitionByChild(children, actions, cmp)
	w := newNodeWriter(tf, compressor, reducer, false, false)
	for i, child := range children {
		if len(groups[i]) == 0 {
			if err := w.AddChild(child); err != nil {
				return nil, err
			}
			continue
		}
		replacements, err := modifySubtree(tf, &children[i], groups[i], cmp, reducer, compressor, compress)
		if err != nil {
			return nil, err
		}
		for _, r := range replacements {
			if err := w.AddChild(r); err != nil {
				return nil, err
			}
		}
	}
	return w.FinishChildren()
}

// dedupeActions collapses runs of equal-key actions, keeping only the last
// one in arrival order (actions must already be key-sorted by a stable sort
// so ties retain their original arrival order), per spec §4.6 and the
// "duplicate ids within one batch" Open Question resolution in spec §9:
// the last write wins. A Fetch sharing a key with a later Insert/Remove in
// the same batch is dropped by this same rule — its callback never fires —
// since it has no "result" left to report once a later action in the same
// batch changes the key; callers that need a Fetch to observe state
// unaffected by the rest of its own batch should issue it separately.
func dedupeActions(actions []treeAction, cmp Comparator) []treeAction {
	if len(actions) < 2 {
		return actions
	}
	out := make([]treeAction, 1, len(actions))
	out[0] = actions[0]
	for _, a := range actions[1:] {
		if cmp(out[len(out)-1].key, a.key) == 0 {
			out[len(out)-1] = a
			continue
		}
		out = append(out, a)
	}
	return out
}

// mergeLeaf merges a sorted action batch into a leaf's existing sorted
// entries, applying inserts/overwrites and removes. actionFetch entries fire
// their callback as the merge passes their key but never add, remove, or
// change an entry (spec §4.6.1).
func mergeLeaf(entries []kvEntry, actions []treeAction, cmp Comparator) ([]kvEntry, error) {
	out := make([]kvEntry, 0, len(entries)+len(actions))
	i, j := 0, 0
	for i < len(entries) && j < len(actions) {
		c := cmp(entries[i].key, actions[j].key)
		switch {
		case c < 0:
			out = append(out, entries[i])
			i++
		case c > 0:
			if err := applyNotFoundAction(&out, actions[j]); err != nil {
				return nil, err
			}
			j++
		default:
			switch actions[j].kind {
			case actionInsert:
				out = append(out, kvEntry{key: actions[j].key, value: actions[j].value})
			case actionRemove:
				// dropped
			case actionFetch:
				out = append(out, entries[i])
				if actions[j].fetch != nil {
					if err := actions[j].fetch(entries[i].value, true); err != nil {
						return nil, err
					}
				}
			}
			i++
			j++
		}
	}
	for ; i < len(entries); i++ {
		out = append(out, entries[i])
	}
	for ; j < len(actions); j++ {
		if err := applyNotFoundAction(&out, actions[j]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// applyNotFoundAction applies an action whose key has no matching existing
// entry: an insert creates one, a remove is a no-op, and a fetch reports
// found=false.
func applyNotFoundAction(out *[]kvEntry, a treeAction) error {
	switch a.kind {
	case actionInsert:
		*out = append(*out, kvEntry{key: a.key, value: a.value})
	case actionRemove:
		// nothing to remove
	case actionFetch:
		if a.fetch != nil {
			return a.fetch(nil, false)
		}
	}
	return nil
}

// partitionByChild buckets each action under the first child whose Key
// (the largest key in its subtree, invariant 7) is >= the action's key;
// actions past every existing child's range fall into the last child,
// which grows to cover them.
func partitionByChild(children []NodePointer, actions []treeAction, cmp Comparator) [][]treeAction {
	groups := make([][]treeAction, len(children))
	if len(children) == 0 {
		return groups
	}
	for _, a := range actions {
		i := sort.Search(len(children), func(i int) bool {
			return cmp(children[i].Key, a.key) >= 0
		})
		if i == len(children) {
			i = len(children) - 1
		}
		groups[i] = append(groups[i], a)
	}
	return groups
}
