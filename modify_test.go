package cowdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModifyTreeInsertIntoEmpty(t *testing.T) {
	tf := newMemTreeFile(t)
	actions := []treeAction{
		{key: []byte("a"), value: []byte("1"), kind: actionInsert},
		{key: []byte("b"), value: []byte("2"), kind: actionInsert},
	}
	root, err := modifyTree(tf, nil, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.NoError(t, err)
	require.NotNil(t, root)

	tree := newTree(tf, root, defaultComparator, identityCompressor{})
	v, ok, err := tree.Get(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestModifyTreeUpdateAndRemove(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(200)
	root, err := BuildFromSorted(tf, identityCompressor{}, noopReducer{}, false, entries)
	require.NoError(t, err)

	actions := []treeAction{
		{key: entries[5].key, value: []byte("updated"), kind: actionInsert},
		{key: entries[10].key, kind: actionRemove},
	}
	newRoot, err := modifyTree(tf, root, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.NoError(t, err)

	tree := newTree(tf, newRoot, defaultComparator, identityCompressor{})
	ctx := context.Background()

	v, ok, err := tree.Get(ctx, entries[5].key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("updated"), v)

	_, ok, err = tree.Get(ctx, entries[10].key)
	require.NoError(t, err)
	require.False(t, ok)

	// Everything else survives untouched.
	v, ok, err = tree.Get(ctx, entries[0].key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries[0].value, v)
}

func TestModifyTreeRemovingEverythingYieldsEmptyTree(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(10)
	root, err := BuildFromSorted(tf, identityCompressor{}, noopReducer{}, false, entries)
	require.NoError(t, err)

	actions := make([]treeAction, len(entries))
	for i, e := range entries {
		actions[i] = treeAction{key: e.key, kind: actionRemove}
	}
	newRoot, err := modifyTree(tf, root, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.NoError(t, err)
	require.Nil(t, newRoot)
}

func TestDedupeActionsKeepsLastWriteInArrivalOrder(t *testing.T) {
	actions := []treeAction{
		{key: []byte("a"), value: []byte("first"), kind: actionInsert},
		{key: []byte("a"), value: []byte("second"), kind: actionInsert},
		{key: []byte("a"), kind: actionRemove},
		{key: []byte("b"), value: []byte("only"), kind: actionInsert},
	}
	out := dedupeActions(actions, defaultComparator)
	require.Len(t, out, 2)
	require.Equal(t, []byte("a"), out[0].key)
	require.Equal(t, actionRemove, out[0].kind)
	require.Equal(t, []byte("b"), out[1].key)
}

func TestModifyTreeFetchReportsValueWithoutModifying(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(50)
	root, err := BuildFromSorted(tf, identityCompressor{}, noopReducer{}, false, entries)
	require.NoError(t, err)

	var gotValue []byte
	var gotFound bool
	actions := []treeAction{
		{key: entries[7].key, kind: actionFetch, fetch: func(value []byte, found bool) error {
			gotValue = append([]byte(nil), value...)
			gotFound = found
			return nil
		}},
	}
	newRoot, err := modifyTree(tf, root, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.NoError(t, err)
	require.True(t, gotFound)
	require.Equal(t, entries[7].value, gotValue)

	// The tree itself must be unchanged: every original entry still reads back.
	tree := newTree(tf, newRoot, defaultComparator, identityCompressor{})
	ctx := context.Background()
	for _, e := range entries {
		v, ok, err := tree.Get(ctx, e.key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, e.value, v)
	}
}

func TestModifyTreeFetchMissingKeyReportsNotFound(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(20)
	root, err := BuildFromSorted(tf, identityCompressor{}, noopReducer{}, false, entries)
	require.NoError(t, err)

	var called bool
	var gotFound bool
	actions := []treeAction{
		{key: []byte("\xff\xff-missing"), kind: actionFetch, fetch: func(value []byte, found bool) error {
			called = true
			gotFound = found
			return nil
		}},
	}
	_, err = modifyTree(tf, root, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.NoError(t, err)
	require.True(t, called)
	require.False(t, gotFound)
}

func TestModifyTreeFetchPropagatesCallbackError(t *testing.T) {
	tf := newMemTreeFile(t)
	entries := buildSortedEntries(20)
	root, err := BuildFromSorted(tf, identityCompressor{}, noopReducer{}, false, entries)
	require.NoError(t, err)

	boom := errCorruptNode("boom")
	actions := []treeAction{
		{key: entries[0].key, kind: actionFetch, fetch: func(value []byte, found bool) error {
			return boom
		}},
	}
	_, err = modifyTree(tf, root, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.Error(t, err)
}

func TestModifyTreeDuplicateKeyInBatchLastWriteWins(t *testing.T) {
	tf := newMemTreeFile(t)
	actions := []treeAction{
		{key: []byte("dup"), value: []byte("old"), kind: actionInsert},
		{key: []byte("dup"), value: []byte("new"), kind: actionInsert},
	}
	root, err := modifyTree(tf, nil, actions, defaultComparator, noopReducer{}, identityCompressor{}, false)
	require.NoError(t, err)
	tree := newTree(tf, root, defaultComparator, identityCompressor{})

	var seen int
	err = tree.Fold(context.Background(), nil, nil, func(ctx context.Context, key, value []byte) (bool, error) {
		seen++
		require.Equal(t, []byte("new"), value)
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen, "duplicate key must appear exactly once in the tree")
}
