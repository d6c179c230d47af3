package cowdb

// Content-meta flags, matching couchstore's COUCH_DOC_* constants: the low
// nibble classifies the body, the high bit marks it as stored compressed.
const (
	ContentJSON           uint8 = 0 // body is valid JSON
	ContentInvalidJSON    uint8 = 1 // body was checked and found not to be JSON
	ContentInvalidJSONKey uint8 = 2 // body contained reserved keys, stored raw
	ContentNonJSONMode    uint8 = 3 // database is running in non-JSON mode; body unchecked

	ContentMetaTypeMask = 0x0F
	ContentCompressed   = 0x80
)

// MaxKeySize is the largest id or local-doc key the engine accepts, matching
// the 12-bit key-length field in the node codec (spec §4.4): 1<<12 - 1.
const MaxKeySize = 4095

// MaxReduceSize is the largest encoded reduction accepted in a node pointer
// (spec §4.4): the reduce-length field is 16 bits but the on-disk convention
// caps it at 255 bytes.
const MaxReduceSize = 255

// A Document is a single document body as presented to SaveDocs.
type Document struct {
	ID   []byte
	Body []byte
}

// A DocInfo carries the per-document metadata that accompanies a Document
// in SaveDocs, and is also what lookups return (populated with on-disk
// locations) from DocInfoByID, ChangesSince, and AllDocs.
type DocInfo struct {
	ID      []byte
	DBSeq   uint64 // sequence assigned at save time; ignored as input, set as output
	RevSeq  uint64 // caller-assigned monotonic per-document revision
	RevMeta []byte // opaque application metadata, conventionally <= 255 bytes
	Deleted bool

	ContentMeta uint8

	// BodyPointer and BodySize locate the document body on disk. They are
	// set by the engine; callers populate them only when round-tripping an
	// already-looked-up DocInfo back through OpenDocWithDocInfo.
	BodyPointer uint64
	BodySize    uint32
}

// contentType returns the low nibble of ContentMeta (the classification),
// independent of the compressed bit.
func (di *DocInfo) contentType() uint8 {
	return di.ContentMeta & ContentMetaTypeMask
}

func (di *DocInfo) compressed() bool {
	return di.ContentMeta&ContentCompressed != 0
}

// A LocalDoc is an entry in the local-docs tree: opaque, uncompressed,
// unreduced data keyed by an id in a namespace the caller controls
// (conventionally prefixed, e.g. "_local/").
type LocalDoc struct {
	ID      []byte
	JSON    []byte
	Deleted bool
}

// SaveOptions controls how SaveDocs treats document bodies.
type SaveOptions struct {
	// Compress requests that bodies be passed through the Db's configured
	// Compressor before being written. Bodies below the compressor's
	// threshold are still stored uncompressed even when Compress is true,
	// matching couchstore's COUCH_SNAPPY_THRESHOLD behavior.
	Compress bool

	// Classify, if non-nil, is called once per document being saved to
	// produce the low nibble of ContentMeta (the JSON-validity
	// classification). If nil, ContentJSON is assumed. Actual JSON parsing
	// is the view executor's concern (out of scope for this engine); this
	// hook exists so a host that does validate can record the result.
	Classify func(doc Document) uint8
}
