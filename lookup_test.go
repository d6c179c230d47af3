package cowdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSortedEntries(n int) []kvEntry {
	entries := make([]kvEntry, n)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		entries[i] = kvEntry{key: key, value: []byte(fmt.Sprintf("value-%d", i))}
	}
	return entries
}

func TestTreeGetFindsEveryInsertedKey(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(500)
	root, err := BuildFromSorted(tf, identityCompressor{}, CountReducer{}, false, entries)
	require.NoError(t, err)
	tree := newTree(tf, root, defaultComparator, identityCompressor{})

	ctx := context.Background()
	for _, e := range entries {
		v, ok, err := tree.Get(ctx, e.key)
		require.NoError(t, err)
		require.True(t, ok, "key %s should be found", e.key)
		require.Equal(t, e.value, v)
	}

	_, ok, err := tree.Get(ctx, []byte("not-a-key"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeGetOnEmptyTree(t *testing.T) {
	tree := newTree(newMemTreeFile(t), nil, defaultComparator, identityCompressor{})
	_, ok, err := tree.Get(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, tree.Reduced())
}

func TestTreeFoldOrderedAndBounded(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(300)
	root, err := BuildFromSorted(tf, identityCompressor{}, CountReducer{}, false, entries)
	require.NoError(t, err)
	tree := newTree(tf, root, defaultComparator, identityCompressor{})

	var gotKeys [][]byte
	start := []byte("key-00010")
	end := []byte("key-00020")
	err = tree.Fold(context.Background(), start, end, func(ctx context.Context, key, value []byte) (bool, error) {
		gotKeys = append(gotKeys, append([]byte(nil), key...))
		return true, nil
	})
	require.NoError(t, err)
	require.Len(t, gotKeys, 10)
	for i, k := range gotKeys {
		require.Equal(t, entries[10+i].key, k)
	}
}

func TestTreeFoldCanStopEarly(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(100)
	root, err := BuildFromSorted(tf, identityCompressor{}, CountReducer{}, false, entries)
	require.NoError(t, err)
	tree := newTree(tf, root, defaultComparator, identityCompressor{})

	count := 0
	err = tree.Fold(context.Background(), nil, nil, func(ctx context.Context, key, value []byte) (bool, error) {
		count++
		return count < 5, nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, count)
}

func TestTreeReducedMatchesWholeReduce(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(50)
	root, err := BuildFromSorted(tf, identityCompressor{}, CountReducer{}, false, entries)
	require.NoError(t, err)
	tree := newTree(tf, root, defaultComparator, identityCompressor{})
	require.NotNil(t, tree.Reduced())
	require.Equal(t, uint64(50), beUint64(tree.Reduced()))
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
