package cowdb

import (
	"container/heap"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpillRunSortsAndRoundTrips(t *testing.T) {
	ops := NewMemFileOps()
	entries := []kvEntry{
		{key: []byte("c"), value: []byte("3")},
		{key: []byte("a"), value: []byte("1")},
		{key: []byte("b"), value: []byte("2")},
	}
	run, err := spillRun(ops, "run0", append([]kvEntry(nil), entries...), defaultComparator)
	require.NoError(t, err)
	defer run.close()

	var got []kvEntry
	for {
		e, ok, err := run.next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, e)
	}
	require.Len(t, got, 3)
	require.Equal(t, []byte("a"), got[0].key)
	require.Equal(t, []byte("b"), got[1].key)
	require.Equal(t, []byte("c"), got[2].key)
}

func TestMergeHeapKWayMerge(t *testing.T) {
	ops := NewMemFileOps()
	run1, err := spillRun(ops, "run1", []kvEntry{
		{key: []byte("a"), value: []byte("1")},
		{key: []byte("d"), value: []byte("4")},
		{key: []byte("f"), value: []byte("6")},
	}, defaultComparator)
	require.NoError(t, err)
	defer run1.close()

	run2, err := spillRun(ops, "run2", []kvEntry{
		{key: []byte("b"), value: []byte("2")},
		{key: []byte("c"), value: []byte("3")},
		{key: []byte("e"), value: []byte("5")},
	}, defaultComparator)
	require.NoError(t, err)
	defer run2.close()

	h := &mergeHeap{cmp: defaultComparator}
	for _, r := range []*scratchRun{run1, run2} {
		e, ok, err := r.next()
		require.NoError(t, err)
		require.True(t, ok)
		h.items = append(h.items, &mergeHeapItem{run: r, entry: e})
	}
	heap.Init(h)

	var merged []string
	for h.Len() > 0 {
		item := heap.Pop(h).(*mergeHeapItem)
		merged = append(merged, string(item.entry.key))
		next, ok, err := item.run.next()
		require.NoError(t, err)
		if ok {
			heap.Push(h, &mergeHeapItem{run: item.run, entry: next})
		}
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, merged)
}

func TestSortAndBuildOrdersUnsortedInput(t *testing.T) {
	tf := newMemTreeFile(t)
	scratchOps := NewMemFileOps()

	entries := buildSortedEntries(1000)
	shuffled := append([]kvEntry(nil), entries...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	root, err := SortAndBuild(tf, scratchOps, "scratch", defaultComparator, noopReducer{}, identityCompressor{}, false, shuffled)
	require.NoError(t, err)

	tree := newTree(tf, root, defaultComparator, identityCompressor{})
	var gotKeys [][]byte
	err = tree.Fold(context.Background(), nil, nil, func(ctx context.Context, key, value []byte) (bool, error) {
		gotKeys = append(gotKeys, append([]byte(nil), key...))
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, gotKeys, len(entries))
	for i, k := range gotKeys {
		require.Equal(t, entries[i].key, k, "fold must yield ascending key order after external sort/merge")
	}
}

func TestBuildFromSortedEmptyInputYieldsNilRoot(t *testing.T) {
	tf := newMemTreeFile(t)
	root, err := BuildFromSorted(tf, identityCompressor{}, noopReducer{}, false, nil)
	require.NoError(t, err)
	require.Nil(t, root)
}
