package cowdb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactDropsDeletesAndAdvancesPurgeSeq(t *testing.T) {
	ops := NewMemFileOps()
	src := mustOpenDB(t, ops, "src")
	ctx := context.Background()

	const n = 500
	docs := make([]Document, n)
	infos := make([]DocInfo, n)
	for i := 0; i < n; i++ {
		docs[i] = Document{ID: []byte(fmt.Sprintf("doc-%04d", i)), Body: []byte("body")}
	}
	require.NoError(t, src.SaveDocs(ctx, docs, infos, SaveOptions{}))
	require.NoError(t, src.Commit(ctx))

	// Delete every fifth document.
	var delDocs []Document
	var delInfos []DocInfo
	for i := 0; i < n; i += 5 {
		delDocs = append(delDocs, Document{ID: []byte(fmt.Sprintf("doc-%04d", i))})
		delInfos = append(delInfos, DocInfo{Deleted: true})
	}
	require.NoError(t, src.SaveDocs(ctx, delDocs, delInfos, SaveOptions{}))
	require.NoError(t, src.Commit(ctx))

	require.NoError(t, src.SaveLocalDoc(ctx, &LocalDoc{ID: []byte("_local/meta"), JSON: []byte("1")}))
	require.NoError(t, src.Commit(ctx))

	dest, err := Compact(ctx, src, "dest", CompactDropDeletes, nil, nil)
	require.NoError(t, err)
	defer dest.Close()

	var survivors int
	err = dest.AllDocs(ctx, nil, nil, func(ctx context.Context, info *DocInfo) (bool, error) {
		survivors++
		require.False(t, info.Deleted, "CompactDropDeletes must omit tombstones")
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, n-len(delDocs), survivors)

	require.Greater(t, dest.header.PurgeSeq, uint64(0), "dropping documents must advance purge_seq")

	local, err := dest.OpenLocalDoc(ctx, []byte("_local/meta"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), local.JSON)

	// Remaining documents must still be readable for body content.
	doc, _, err := dest.OpenDoc(ctx, []byte("doc-0001"))
	require.NoError(t, err)
	require.Equal(t, []byte("body"), doc.Body)
}

func TestCompactPreservesTombstonesWithoutDropFlag(t *testing.T) {
	ops := NewMemFileOps()
	src := mustOpenDB(t, ops, "src2")
	ctx := context.Background()

	docs := []Document{{ID: []byte("a"), Body: []byte("v")}, {ID: []byte("b"), Body: []byte("v")}}
	infos := []DocInfo{{}, {}}
	require.NoError(t, src.SaveDocs(ctx, docs, infos, SaveOptions{}))
	require.NoError(t, src.Commit(ctx))
	require.NoError(t, src.SaveDocs(ctx, []Document{{ID: []byte("a")}}, []DocInfo{{Deleted: true}}, SaveOptions{}))
	require.NoError(t, src.Commit(ctx))

	dest, err := Compact(ctx, src, "dest2", 0, nil, nil)
	require.NoError(t, err)
	defer dest.Close()

	info, err := dest.DocInfoByID(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, info.Deleted)

	info, err = dest.DocInfoByID(ctx, []byte("b"))
	require.NoError(t, err)
	require.False(t, info.Deleted)
}

func TestCompactDocInfoHookCanDropOrKeep(t *testing.T) {
	ops := NewMemFileOps()
	src := mustOpenDB(t, ops, "src3")
	ctx := context.Background()

	docs := []Document{{ID: []byte("keep"), Body: []byte("v")}, {ID: []byte("drop"), Body: []byte("v")}}
	infos := []DocInfo{{}, {}}
	require.NoError(t, src.SaveDocs(ctx, docs, infos, SaveOptions{}))
	require.NoError(t, src.Commit(ctx))

	hook := func(info *DocInfo) (*DocInfo, bool, error) {
		if string(info.ID) == "drop" {
			return nil, false, nil
		}
		return info, true, nil
	}
	dest, err := Compact(ctx, src, "dest3", 0, hook, nil)
	require.NoError(t, err)
	defer dest.Close()

	_, err = dest.DocInfoByID(ctx, []byte("drop"))
	require.Error(t, err)
	require.Equal(t, KindDocNotFound, KindOf(err))

	_, err = dest.DocInfoByID(ctx, []byte("keep"))
	require.NoError(t, err)
}

func TestCompactRemovesPartialFileOnError(t *testing.T) {
	ops := NewMemFileOps()
	src := mustOpenDB(t, ops, "src4")
	ctx := context.Background()

	docs := []Document{{ID: []byte("a"), Body: []byte("v")}}
	infos := []DocInfo{{}}
	require.NoError(t, src.SaveDocs(ctx, docs, infos, SaveOptions{}))
	require.NoError(t, src.Commit(ctx))

	boom := fmt.Errorf("boom")
	hook := func(info *DocInfo) (*DocInfo, bool, error) {
		return nil, false, boom
	}
	_, err := Compact(ctx, src, "dest4", 0, hook, nil)
	require.ErrorIs(t, err, boom)

	ops.mu.Lock()
	_, exists := ops.files["dest4"]
	ops.mu.Unlock()
	require.False(t, exists, "a failed compaction must not leave a partial destination file behind")
}
