package cowdb

import (
	"fmt"

	"github.com/pkg/errors"
)

// A Kind identifies one of the closed set of error conditions the engine
// can report. The set matches the couchstore-style error codes: I/O and
// corruption errors abort the current operation, DocNotFound is only an
// error from point lookups, and a failed commit leaves the previous header
// authoritative.
type Kind int

const (
	KindNone Kind = iota
	KindIO
	KindOpenFile
	KindNoSuchFile
	KindCorruptChecksum
	KindCorruptNode
	KindAlloc
	KindNoHeader
	KindHeaderVersion
	KindInvalidArgument
	KindDocNotFound
	KindReductionTooLarge
	KindFileClosed
	KindReducerFailure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindIO:
		return "io"
	case KindOpenFile:
		return "open_file"
	case KindNoSuchFile:
		return "no_such_file"
	case KindCorruptChecksum:
		return "corrupt_checksum"
	case KindCorruptNode:
		return "corrupt_node"
	case KindAlloc:
		return "alloc"
	case KindNoHeader:
		return "no_header"
	case KindHeaderVersion:
		return "header_version"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindDocNotFound:
		return "doc_not_found"
	case KindReductionTooLarge:
		return "reduction_too_large"
	case KindFileClosed:
		return "file_closed"
	case KindReducerFailure:
		return "reducer_failure"
	default:
		return "unknown"
	}
}

// An Error is the engine's error type. It always carries a Kind so callers
// can switch on the closed error set from spec §7 without string matching.
type Error struct {
	Kind Kind
	msg  string
	// DocID is set for ReducerFailure so the host can report which
	// document's reduce function failed.
	DocID []byte
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("cowdb: %s: %s", e.msg, e.cause)
	}
	return "cowdb: " + e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// newErr builds an *Error of the given kind, wrapping cause with pkg/errors
// so a stack trace is available to whoever logs it.
func newErr(kind Kind, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	}
	return &Error{Kind: kind, msg: msg, cause: wrapped}
}

func errIO(cause error, format string, args ...any) error {
	return newErr(KindIO, cause, format, args...)
}

func errCorruptChecksum(format string, args ...any) error {
	return newErr(KindCorruptChecksum, nil, format, args...)
}

func errCorruptNode(format string, args ...any) error {
	return newErr(KindCorruptNode, nil, format, args...)
}

func errInvalidArgument(format string, args ...any) error {
	return newErr(KindInvalidArgument, nil, format, args...)
}

func errDocNotFound(id []byte) error {
	return newErr(KindDocNotFound, nil, "document %q not found", id)
}

func errReductionTooLarge(n int) error {
	return newErr(KindReductionTooLarge, nil, "reduction of %d bytes exceeds 255-byte limit", n)
}

func errReducerFailure(docID []byte, cause error) *Error {
	e := newErr(KindReducerFailure, cause, "reducer failed for document %q", docID)
	e.DocID = append([]byte(nil), docID...)
	return e
}

func errNoHeader() error {
	return newErr(KindNoHeader, nil, "file has no valid header")
}

func errHeaderVersion(got, want uint8) error {
	return newErr(KindHeaderVersion, nil, "header disk_version %d unsupported (minimum %d)", got, want)
}

func errFileClosed() error {
	return newErr(KindFileClosed, nil, "tree file is closed")
}

// KindOf reports the Kind of err if it is (or wraps) a *Error, else KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
