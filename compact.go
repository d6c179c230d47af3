package cowdb

import (
	"context"

	"go.uber.org/zap"
)

// CompactFlags controls optional compaction behavior, per spec §4.8.
type CompactFlags int

const (
	// CompactDropDeletes omits tombstones entirely from the compacted file
	// instead of carrying them forward, matching couchstore's
	// DROP_DELETES compaction flag.
	CompactDropDeletes CompactFlags = 1 << iota
	// CompactUpgradeDB passes every surviving document through
	// CompactHook even when DocInfoHook left its metadata unchanged,
	// matching couchstore's UPGRADE_DB flag (used to migrate metadata
	// layouts across a disk_version bump).
	CompactUpgradeDB
)

// A DocInfoHook inspects (and may rewrite) one document's metadata during
// compaction, per spec §4.8. Returning keep=false drops the document from
// the compacted file entirely.
type DocInfoHook func(info *DocInfo) (rewritten *DocInfo, keep bool, err error)

// A CompactHook may rewrite a document's body during compaction, per spec
// §4.8. body is nil for a deleted document. Returning the same slice keeps
// the body unchanged. It is called for a document only when CompactUpgradeDB
// is set or DocInfoHook returned a different *DocInfo than it was given.
type CompactHook func(info *DocInfo, body []byte) ([]byte, error)

// abortCompaction closes dest and removes its partial file, per spec §4.8.3.
func abortCompaction(dest *Database, destPath string) {
	dest.Close()
	dest.opts.FileOps.Remove(destPath)
}

// Compact streams every surviving document from src into a new file at
// destPath, in by-seq order, and bulk-rebuilds both trees there rather
// than replaying the copy-on-write modify engine one action at a time, per
// spec §4.8. It never modifies src. Per spec §4.8.3 ("any error removes the
// partial target file"), any error after destPath is created removes it
// before returning.
func Compact(ctx context.Context, src *Database, destPath string, flags CompactFlags, docInfoHook DocInfoHook, compactHook CompactHook) (*Database, error) {
	dest, err := Open(destPath, OpenDefault|OpenCreate, src.opts)
	if err != nil {
		src.opts.FileOps.Remove(destPath)
		return nil, err
	}

	var idEntries []kvEntry
	var seqEntries []kvEntry

	src.mu.Lock()
	updateSeq := src.header.UpdateSeq
	purgeSeq := src.header.PurgeSeq
	src.mu.Unlock()

	err = src.ChangesSince(ctx, 0, func(ctx context.Context, info *DocInfo) (bool, error) {
		keep := true
		rewritten := info
		if docInfoHook != nil {
			var err error
			rewritten, keep, err = docInfoHook(info)
			if err != nil {
				return false, err
			}
			if rewritten == nil {
				rewritten = info
			}
		}
		if !keep || (rewritten.Deleted && flags&CompactDropDeletes != 0) {
			// Dropped entirely: advances purge_seq per spec §4.8.2
			// ("dropped documents update the compactor's max_purged_seq").
			if rewritten.DBSeq > purgeSeq {
				purgeSeq = rewritten.DBSeq
			}
			return true, nil
		}

		var body []byte
		if !rewritten.Deleted {
			doc, err := src.OpenDocWithDocInfo(ctx, rewritten)
			if err != nil {
				return false, err
			}
			body = doc.Body
		}
		if compactHook != nil && (flags&CompactUpgradeDB != 0 || rewritten != info) {
			b, err := compactHook(rewritten, body)
			if err != nil {
				return false, err
			}
			body = b
		}

		out := *rewritten
		if !out.Deleted {
			raw, compressed, err := maybeCompress(dest.opts.Compressor, body, true)
			if err != nil {
				return false, err
			}
			off, err := writeChunk(dest.tf, raw, compressed)
			if err != nil {
				return false, err
			}
			meta := out.contentType()
			if compressed {
				meta |= ContentCompressed
			}
			out.ContentMeta = meta
			out.BodyPointer = uint64(off)
			out.BodySize = uint32(len(body))
		} else {
			out.BodyPointer = 0
			out.BodySize = 0
		}

		idEntries = append(idEntries, kvEntry{key: out.ID, value: encodeIDValue(&out)})
		seqKey := make([]byte, 6)
		put48(seqKey, out.DBSeq)
		seqEntries = append(seqEntries, kvEntry{key: seqKey, value: encodeSeqValue(&out)})
		return true, nil
	})
	if err != nil {
		abortCompaction(dest, destPath)
		return nil, err
	}

	// by-id is rebuilt through the external sort/merge path (spec §4.7, the
	// "compaction of by-id from by-seq" use case named explicitly in
	// §4.7.2): entries arrive in by-seq order, not by-id order, so they are
	// spilled to scratch runs and merged back in key order rather than
	// sorted in memory.
	byIDRoot, err := SortAndBuild(dest.tf, dest.opts.FileOps, destPath+".sort", dest.opts.Comparator, dest.idReducer, dest.opts.Compressor, true, idEntries)
	if err != nil {
		abortCompaction(dest, destPath)
		return nil, err
	}
	// by-seq entries are already produced in ascending sequence order by the
	// ChangesSince fold above, so they go straight through the fast
	// already-sorted bulk-build path (spec §4.7.2 step 3).
	bySeqRoot, err := BuildFromSorted(dest.tf, dest.opts.Compressor, dest.seqReducer, true, seqEntries)
	if err != nil {
		abortCompaction(dest, destPath)
		return nil, err
	}

	// The local-docs tree is small; a straight fold-and-rebuild suffices
	// (spec §4.8.1 step 5).
	var localEntries []kvEntry
	srcLocal := src.localDocsTree()
	if err := srcLocal.Fold(ctx, nil, nil, func(ctx context.Context, key, value []byte) (bool, error) {
		localEntries = append(localEntries, kvEntry{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
		return true, nil
	}); err != nil {
		abortCompaction(dest, destPath)
		return nil, err
	}
	localDocsRoot, err := BuildFromSorted(dest.tf, identityCompressor{}, noopReducer{}, false, localEntries)
	if err != nil {
		abortCompaction(dest, destPath)
		return nil, err
	}

	dest.mu.Lock()
	dest.header.ByIDRoot = byIDRoot
	dest.header.BySeqRoot = bySeqRoot
	dest.header.LocalDocsRoot = localDocsRoot
	dest.header.UpdateSeq = updateSeq
	dest.header.PurgeSeq = purgeSeq
	dest.mu.Unlock()

	if err := dest.Commit(ctx); err != nil {
		abortCompaction(dest, destPath)
		return nil, err
	}

	dest.opts.Logger.Info("compaction complete",
		zap.Int("documents", len(idEntries)),
		zap.Uint64("update_seq", updateSeq),
		zap.Uint64("purge_seq", purgeSeq))
	return dest, nil
}
