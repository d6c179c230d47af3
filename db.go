package cowdb

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Options configures a Database, per spec §4.9. Open fills each zero field
// with PosixFileOps, byte-lexicographic key order, no compression, or a
// no-op logger; [DefaultOptions] selects Snappy and a production logger
// instead.
type Options struct {
	FileOps    FileOps
	Comparator Comparator
	Compressor Compressor
	Logger     *zap.Logger
}

// DefaultOptions returns sensible defaults: PosixFileOps, byte-lexicographic
// key order, Snappy compression, and a production zap logger.
func DefaultOptions() Options {
	logger, _ := zap.NewProduction()
	if logger == nil {
		logger = zap.NewNop()
	}
	return Options{
		FileOps:    PosixFileOps{},
		Comparator: defaultComparator,
		Compressor: SnappyCompressor{},
		Logger:     logger,
	}
}

func (o *Options) setDefaults() {
	if o.FileOps == nil {
		o.FileOps = PosixFileOps{}
	}
	if o.Comparator == nil {
		o.Comparator = defaultComparator
	}
	if o.Compressor == nil {
		o.Compressor = identityCompressor{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// A Database is an open handle onto one tree file, per spec §4.9: the
// by-id, by-seq, and local-docs trees sharing a single header, guarded by
// a single-writer/many-reader discipline (writes hold mu for the whole
// batch; reads take mu only to snapshot the current roots, so they wait for
// an in-progress write to finish but then traverse without holding it,
// matching spec §5).
type Database struct {
	tf   *TreeFile
	opts Options

	mu           sync.Mutex
	headerOffset int64
	header       Header

	idReducer  Reducer
	seqReducer Reducer
}

// Open opens or creates the tree file at path, per spec §4.9. If the file
// is new or empty, an initial empty header is written once the first
// Commit occurs.
func Open(path string, flag OpenFlag, opts Options) (*Database, error) {
	opts.setDefaults()
	tf, err := openTreeFile(opts.FileOps, path, flag)
	if err != nil {
		return nil, err
	}
	db := &Database{
		tf:         tf,
		opts:       opts,
		idReducer:  idReducer{},
		seqReducer: seqReducer{},
	}
	if tf.Size() == 0 {
		db.header = Header{DiskVersion: currentDiskVersion}
		return db, nil
	}
	off, h, err := readLastDBHeader(tf)
	if err != nil {
		tf.close()
		return nil, err
	}
	db.headerOffset = off
	db.header = *h
	opts.Logger.Debug("opened database",
		zap.String("path", path),
		zap.Uint64("update_seq", h.UpdateSeq),
		zap.Int64("header_offset", off))
	return db, nil
}

// Close releases the underlying file handle. It does not implicitly
// Commit.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tf.close()
}

func (db *Database) byIDTree() *Tree {
	return newTree(db.tf, db.header.ByIDRoot, db.opts.Comparator, db.opts.Compressor)
}

func (db *Database) bySeqTree() *Tree {
	return newTree(db.tf, db.header.BySeqRoot, db.opts.Comparator, db.opts.Compressor)
}

func (db *Database) localDocsTree() *Tree {
	return newTree(db.tf, db.header.LocalDocsRoot, db.opts.Comparator, identityCompressor{})
}

// SaveDocs writes the bodies in docs and updates both trees in a single
// copy-on-write batch, per spec §4.9/§4.6. infos must be parallel to docs;
// each entry's DBSeq, BodyPointer, and BodySize are overwritten with the
// values actually assigned. The change is not durable until Commit.
func (db *Database) SaveDocs(ctx context.Context, docs []Document, infos []DocInfo, opts SaveOptions) error {
	if len(docs) != len(infos) {
		return errInvalidArgument("SaveDocs: %d docs but %d infos", len(docs), len(infos))
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	// preTree snapshots by-id as it stood before this batch, so an update to
	// an id that already existed can remove that id's now-stale by-seq
	// entry (spec §4.9: "crucial to maintain invariant (1)").
	preTree := db.byIDTree()

	type pending struct {
		info DocInfo
	}
	pendings := make([]pending, len(docs))
	// lastIndex records, per id, the highest batch index that writes it —
	// duplicate ids within one batch resolve last-write-wins in input order
	// (spec §9 Open Question resolution).
	lastIndex := make(map[string]int, len(docs))

	for i, doc := range docs {
		if len(doc.ID) == 0 || len(doc.ID) > MaxKeySize {
			return errInvalidArgument("document id length %d out of range", len(doc.ID))
		}
		info := infos[i]
		info.ID = doc.ID
		db.header.UpdateSeq++
		info.DBSeq = db.header.UpdateSeq

		if info.Deleted {
			info.BodyPointer = 0
			info.BodySize = 0
		} else {
			classify := opts.Classify
			if classify == nil {
				classify = func(Document) uint8 { return ContentJSON }
			}
			contentType := classify(doc)
			raw, compressed, err := maybeCompress(db.opts.Compressor, doc.Body, opts.Compress)
			if err != nil {
				return err
			}
			off, err := writeChunk(db.tf, raw, compressed)
			if err != nil {
				return err
			}
			meta := contentType
			if compressed {
				meta |= ContentCompressed
			}
			info.ContentMeta = meta
			info.BodyPointer = uint64(off)
			info.BodySize = uint32(len(doc.Body))
		}
		pendings[i] = pending{info: info}
		infos[i] = info
		lastIndex[string(doc.ID)] = i
	}

	var idActions, seqActions []treeAction
	seen := make(map[string]bool, len(docs))
	for i := len(pendings) - 1; i >= 0; i-- {
		p := pendings[i]
		idStr := string(p.info.ID)
		if lastIndex[idStr] != i || seen[idStr] {
			// superseded by a later occurrence of the same id in this batch;
			// its by-seq entry is simply never written.
			continue
		}
		seen[idStr] = true

		idActions = append(idActions, treeAction{key: p.info.ID, value: encodeIDValue(&p.info), kind: actionInsert})
		seqKey := make([]byte, 6)
		put48(seqKey, p.info.DBSeq)
		seqActions = append(seqActions, treeAction{key: seqKey, value: encodeSeqValue(&p.info), kind: actionInsert})

		if value, ok, err := preTree.Get(ctx, p.info.ID); err != nil {
			return err
		} else if ok {
			oldInfo, err := decodeIDValue(p.info.ID, value)
			if err != nil {
				return err
			}
			if oldInfo.DBSeq != p.info.DBSeq {
				oldSeqKey := make([]byte, 6)
				put48(oldSeqKey, oldInfo.DBSeq)
				seqActions = append(seqActions, treeAction{key: oldSeqKey, kind: actionRemove})
			}
		}
	}
	sort.SliceStable(idActions, func(i, j int) bool { return db.opts.Comparator(idActions[i].key, idActions[j].key) < 0 })
	sort.SliceStable(seqActions, func(i, j int) bool { return db.opts.Comparator(seqActions[i].key, seqActions[j].key) < 0 })

	newByID, err := modifyTree(db.tf, db.header.ByIDRoot, idActions, db.opts.Comparator, db.idReducer, db.opts.Compressor, true)
	if err != nil {
		return err
	}
	newBySeq, err := modifyTree(db.tf, db.header.BySeqRoot, seqActions, db.opts.Comparator, db.seqReducer, db.opts.Compressor, true)
	if err != nil {
		return err
	}
	db.header.ByIDRoot = newByID
	db.header.BySeqRoot = newBySeq
	return nil
}

// Commit writes a new header chunk reflecting every SaveDocs/SaveLocalDoc
// call since the last Commit and fsyncs the file, per spec §4.1/§4.9. A
// reader that opened the file before Commit returns will never observe
// the new data; a reader that opens after will see all of it.
func (db *Database) Commit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	off, err := writeDBHeader(db.tf, &db.header)
	if err != nil {
		return err
	}
	if err := db.tf.sync(); err != nil {
		return err
	}
	db.headerOffset = off
	return nil
}

// DocInfoByID looks up a document's metadata without reading its body, per
// spec §4.9.
func (db *Database) DocInfoByID(ctx context.Context, id []byte) (*DocInfo, error) {
	db.mu.Lock()
	t := db.byIDTree()
	db.mu.Unlock()
	value, ok, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errDocNotFound(id)
	}
	return decodeIDValue(id, value)
}

// OpenDoc looks up a document by id and reads its body, per spec §4.9.
func (db *Database) OpenDoc(ctx context.Context, id []byte) (*Document, *DocInfo, error) {
	info, err := db.DocInfoByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return db.openDocBody(info)
}

// OpenDocWithDocInfo reads a document's body given a DocInfo already
// obtained from DocInfoByID, ChangesSince, or AllDocs, per spec §4.9,
// avoiding a redundant by-id lookup.
func (db *Database) OpenDocWithDocInfo(ctx context.Context, info *DocInfo) (*Document, error) {
	doc, _, err := db.openDocBody(info)
	return doc, err
}

func (db *Database) openDocBody(info *DocInfo) (*Document, *DocInfo, error) {
	if info.Deleted {
		return &Document{ID: info.ID}, info, nil
	}
	db.mu.Lock()
	tf := db.tf
	compressor := db.opts.Compressor
	db.mu.Unlock()
	body, err := readChunk(tf, int64(info.BodyPointer), compressor)
	if err != nil {
		return nil, nil, err
	}
	return &Document{ID: info.ID, Body: body}, info, nil
}

// ChangesSince calls fn once for each document whose DBSeq is > sinceSeq,
// in ascending sequence order, per spec §4.9.
func (db *Database) ChangesSince(ctx context.Context, sinceSeq uint64, fn func(ctx context.Context, info *DocInfo) (bool, error)) error {
	db.mu.Lock()
	t := db.bySeqTree()
	db.mu.Unlock()
	if sinceSeq >= (1<<48)-1 {
		// No 48-bit sequence number is greater than sinceSeq.
		return nil
	}
	startKey := make([]byte, 6)
	put48(startKey, sinceSeq+1)
	return t.Fold(ctx, startKey, nil, func(ctx context.Context, key, value []byte) (bool, error) {
		seq := get48(key)
		info, err := decodeSeqValue(seq, value)
		if err != nil {
			return false, err
		}
		return fn(ctx, info)
	})
}

// AllDocs calls fn once for each document whose id falls in
// [startKey, endKey) (endKey nil means unbounded), in ascending key order,
// per spec §4.9.
func (db *Database) AllDocs(ctx context.Context, startKey, endKey []byte, fn func(ctx context.Context, info *DocInfo) (bool, error)) error {
	db.mu.Lock()
	t := db.byIDTree()
	db.mu.Unlock()
	return t.Fold(ctx, startKey, endKey, func(ctx context.Context, key, value []byte) (bool, error) {
		info, err := decodeIDValue(key, value)
		if err != nil {
			return false, err
		}
		return fn(ctx, info)
	})
}

// Purge permanently removes ids from the by-id and by-seq trees and
// advances PurgeSeq, per spec §12 (supplemented from original_source: a
// compaction-adjacent operation for discarding tombstones entirely rather
// than merely marking them deleted). Unlike a deletion recorded via
// SaveDocs, a purged id leaves no tombstone a replicator can see.
func (db *Database) Purge(ctx context.Context, ids [][]byte) error {
	if len(ids) == 0 {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	idActions := make([]treeAction, len(ids))
	for i, id := range ids {
		idActions[i] = treeAction{key: id, kind: actionRemove}
	}
	sort.SliceStable(idActions, func(i, j int) bool { return db.opts.Comparator(idActions[i].key, idActions[j].key) < 0 })

	t := db.byIDTree()
	var seqActions []treeAction
	for _, a := range idActions {
		value, ok, err := t.Get(ctx, a.key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		info, err := decodeIDValue(a.key, value)
		if err != nil {
			return err
		}
		seqKey := make([]byte, 6)
		put48(seqKey, info.DBSeq)
		seqActions = append(seqActions, treeAction{key: seqKey, kind: actionRemove})
	}
	sort.SliceStable(seqActions, func(i, j int) bool { return db.opts.Comparator(seqActions[i].key, seqActions[j].key) < 0 })

	newByID, err := modifyTree(db.tf, db.header.ByIDRoot, idActions, db.opts.Comparator, db.idReducer, db.opts.Compressor, true)
	if err != nil {
		return err
	}
	newBySeq, err := modifyTree(db.tf, db.header.BySeqRoot, seqActions, db.opts.Comparator, db.seqReducer, db.opts.Compressor, true)
	if err != nil {
		return err
	}
	db.header.ByIDRoot = newByID
	db.header.BySeqRoot = newBySeq
	db.header.PurgeSeq++
	return nil
}

// SaveLocalDoc writes or deletes (if doc.Deleted) an entry in the
// local-docs tree, per spec §4.9/§12. Local docs are never compressed and
// never contribute to UpdateSeq.
func (db *Database) SaveLocalDoc(ctx context.Context, doc *LocalDoc) error {
	if len(doc.ID) == 0 || len(doc.ID) > MaxKeySize {
		return errInvalidArgument("local doc id length %d out of range", len(doc.ID))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	kind := actionInsert
	value := doc.JSON
	if doc.Deleted {
		kind = actionRemove
		value = nil
	}
	newRoot, err := modifyTree(db.tf, db.header.LocalDocsRoot, []treeAction{{key: doc.ID, value: value, kind: kind}}, db.opts.Comparator, noopReducer{}, identityCompressor{}, false)
	if err != nil {
		return err
	}
	db.header.LocalDocsRoot = newRoot
	return nil
}

// OpenLocalDoc looks up an entry in the local-docs tree, per spec §4.9/§12.
func (db *Database) OpenLocalDoc(ctx context.Context, id []byte) (*LocalDoc, error) {
	db.mu.Lock()
	t := db.localDocsTree()
	db.mu.Unlock()
	value, ok, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errDocNotFound(id)
	}
	return &LocalDoc{ID: id, JSON: value}, nil
}

// noopReducer is used for the local-docs tree, which couchstore never
// reduces (supplemented from original_source, spec §12).
type noopReducer struct{}

func (noopReducer) Reduce([]kvEntry) ([]byte, error)     { return nil, nil }
func (noopReducer) Rereduce([][]byte) ([]byte, error)    { return nil, nil }
