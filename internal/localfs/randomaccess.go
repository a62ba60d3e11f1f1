// Package localfs provides shared random-access file handles for the
// transfer pipeline.
package localfs

import (
	"fmt"
	"os"
	"sync"

	"github.com/rescale/httptransfer/internal/xfererr"
)

// RandomFileAccess is a registry of open local file handles keyed by path.
//
// A path is opened lazily on its first read or write and at most once for
// the lifetime of a pipeline run. All IO is positional (pread/pwrite), so
// concurrent operations against disjoint ranges of one handle are safe
// without a shared cursor. The registry exclusively owns its handles;
// pipeline stages borrow them by path.
type RandomFileAccess struct {
	mu      sync.Mutex
	handles map[string]*fileHandle
}

type fileHandle struct {
	// ops is held read-locked for the duration of every positional
	// operation and write-locked by close, so a handle is never released
	// underneath an in-flight read or write.
	ops    sync.RWMutex
	f      *os.File
	closed bool
}

// NewRandomFileAccess creates an empty registry.
func NewRandomFileAccess() *RandomFileAccess {
	return &RandomFileAccess{
		handles: make(map[string]*fileHandle),
	}
}

// handle returns the open handle for path, opening it on first use.
// Write handles are created if the file is absent; read handles are not.
func (r *RandomFileAccess) handle(path string, write bool) (*fileHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[path]; ok {
		if h.closed {
			return nil, xfererr.Newf(xfererr.KindIo, "file handle already closed: %s", path)
		}
		return h, nil
	}

	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindIo, err, fmt.Sprintf("failed to open %s", path))
	}

	h := &fileHandle{f: f}
	r.handles[path] = h
	return h, nil
}

// Read reads exactly length bytes at offset. A short read or OS error fails
// the operation; partial data is never returned.
func (r *RandomFileAccess) Read(path string, offset, length int64) ([]byte, error) {
	h, err := r.handle(path, false)
	if err != nil {
		return nil, err
	}

	h.ops.RLock()
	defer h.ops.RUnlock()
	if h.closed {
		return nil, xfererr.Newf(xfererr.KindIo, "file handle already closed: %s", path)
	}

	buf := make([]byte, length)
	n, err := h.f.ReadAt(buf, offset)
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindIo, err,
			fmt.Sprintf("short read of %s at offset %d: got %d of %d bytes", path, offset, n, length))
	}
	return buf, nil
}

// WriteAt writes the buffer at offset, creating the file if absent.
// Concurrent writes to disjoint ranges of one path are safe.
func (r *RandomFileAccess) WriteAt(path string, offset int64, p []byte) error {
	h, err := r.handle(path, true)
	if err != nil {
		return err
	}

	h.ops.RLock()
	defer h.ops.RUnlock()
	if h.closed {
		return xfererr.Newf(xfererr.KindIo, "file handle already closed: %s", path)
	}

	if _, err := h.f.WriteAt(p, offset); err != nil {
		return xfererr.Wrap(xfererr.KindIo, err,
			fmt.Sprintf("failed to write %d bytes to %s at offset %d", len(p), path, offset))
	}
	return nil
}

// Close releases the handle for path. Closing a path that was never opened,
// or closing it a second time, is a no-op.
func (r *RandomFileAccess) Close(path string) error {
	r.mu.Lock()
	h, ok := r.handles[path]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return closeHandle(h, path)
}

// CloseAll releases every handle still open. It is called on pipeline
// teardown and runs on all exit paths; the first close failure is reported
// but does not stop the sweep.
func (r *RandomFileAccess) CloseAll() error {
	r.mu.Lock()
	paths := make([]string, 0, len(r.handles))
	handles := make([]*fileHandle, 0, len(r.handles))
	for p, h := range r.handles {
		paths = append(paths, p)
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var firstErr error
	for i, h := range handles {
		if err := closeHandle(h, paths[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func closeHandle(h *fileHandle, path string) error {
	// Waits for in-flight positional operations to drain
	h.ops.Lock()
	defer h.ops.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := h.f.Close(); err != nil {
		return xfererr.Wrap(xfererr.KindIo, err, fmt.Sprintf("failed to close %s", path))
	}
	return nil
}
