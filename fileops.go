package cowdb

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// OpenFlag controls how Open creates or attaches to a database file,
// mirroring the open-option flags named as a closed enum in spec §9.
type OpenFlag int

const (
	// OpenDefault opens an existing file, failing if it does not exist.
	OpenDefault OpenFlag = 0
	// OpenCreate creates the file if it does not already exist.
	OpenCreate OpenFlag = 1 << iota
	// OpenReadOnly opens the file without ever appending to it; Commit and
	// SaveDocs fail on a handle opened this way.
	OpenReadOnly
)

// FileOps is the block-device capability set described in spec §4.3/§6: a
// pluggable table of (open, close, pread, pwrite, sync, goto_eof). The
// engine never assumes a particular storage backend; PosixFileOps and
// MemFileOps are the two implementations provided.
type FileOps interface {
	// Open returns a Handle for path, honoring flag.
	Open(path string, flag OpenFlag) (Handle, error)
	// Close releases a Handle obtained from Open.
	Close(h Handle) error
	// Destructor is called once as a handle is finally discarded, after
	// Close, giving an implementation a chance to release any remaining
	// resources (matching couch_file_ops.destructor).
	Destructor(h Handle)
	// Remove deletes path, used to clean up compaction and external-sort
	// scratch files once they are no longer needed.
	Remove(path string) error
}

// Handle is an open file as seen by the rest of the engine. All methods may
// fail; PosixFileOps's handle retries only on transient-interrupt errors.
type Handle interface {
	Pread(buf []byte, off int64) (int, error)
	Pwrite(buf []byte, off int64) (int, error)
	Sync() error
	GotoEOF() (int64, error)
}

// PosixFileOps implements FileOps directly on top of *os.File, using
// ReadAt/WriteAt (pread/pwrite) and Sync, the direct-I/O style named in
// spec §4.3.
type PosixFileOps struct{}

type posixHandle struct {
	f *os.File
}

func (PosixFileOps) Open(path string, flag OpenFlag) (Handle, error) {
	osFlag := os.O_RDWR
	if flag&OpenReadOnly != 0 {
		osFlag = os.O_RDONLY
	}
	if flag&OpenCreate != 0 {
		osFlag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, osFlag, 0666)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newErr(KindNoSuchFile, err, "open %s", path)
		}
		return nil, newErr(KindOpenFile, err, "open %s", path)
	}
	return &posixHandle{f: f}, nil
}

func (PosixFileOps) Close(h Handle) error {
	ph, ok := h.(*posixHandle)
	if !ok {
		return errInvalidArgument("Close: handle not from PosixFileOps")
	}
	if err := ph.f.Close(); err != nil {
		return errIO(err, "close")
	}
	return nil
}

func (PosixFileOps) Destructor(Handle) {}

func (PosixFileOps) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errIO(err, "remove %s", path)
	}
	return nil
}

// retryIO retries fn while it reports a transient interrupt, matching the
// "retried only on transient-interrupt semantics" contract in spec §4.3/§6.
func retryIO(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if isEINTR(err) {
			continue
		}
		return n, err
	}
}

func (h *posixHandle) Pread(buf []byte, off int64) (int, error) {
	n, err := retryIO(func() (int, error) { return h.f.ReadAt(buf, off) })
	if err != nil && err != io.EOF {
		return n, errIO(err, "pread at %d", off)
	}
	return n, err
}

func (h *posixHandle) Pwrite(buf []byte, off int64) (int, error) {
	n, err := retryIO(func() (int, error) { return h.f.WriteAt(buf, off) })
	if err != nil {
		return n, errIO(err, "pwrite at %d", off)
	}
	return n, nil
}

func (h *posixHandle) Sync() error {
	if err := h.f.Sync(); err != nil {
		return errIO(err, "sync")
	}
	return nil
}

func (h *posixHandle) GotoEOF() (int64, error) {
	off, err := h.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errIO(err, "seek end")
	}
	return off, nil
}

// MemFileOps implements FileOps entirely in memory, for tests and for
// callers embedding the engine without durable storage. It is the "in-memory
// variant for tests" named in spec §4.3.
type MemFileOps struct {
	mu    sync.Mutex
	files map[string]*memFile
}

// NewMemFileOps returns a FileOps whose files live only in process memory.
func NewMemFileOps() *MemFileOps {
	return &MemFileOps{files: make(map[string]*memFile)}
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

type memHandle struct {
	f *memFile
}

func (m *MemFileOps) Open(path string, flag OpenFlag) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		if flag&OpenCreate == 0 {
			return nil, newErr(KindNoSuchFile, nil, "open %s", path)
		}
		f = &memFile{}
		m.files[path] = f
	}
	return &memHandle{f: f}, nil
}

func (m *MemFileOps) Close(Handle) error { return nil }
func (m *MemFileOps) Destructor(Handle)  {}

func (m *MemFileOps) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (h *memHandle) Pread(buf []byte, off int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if off >= int64(len(h.f.data)) {
		return 0, io.EOF
	}
	n := copy(buf, h.f.data[off:])
	if n < len(buf) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (h *memHandle) Pwrite(buf []byte, off int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	end := off + int64(len(buf))
	if end > int64(len(h.f.data)) {
		grown := make([]byte, end)
		copy(grown, h.f.data)
		h.f.data = grown
	}
	copy(h.f.data[off:end], buf)
	return len(buf), nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) GotoEOF() (int64, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return int64(len(h.f.data)), nil
}
