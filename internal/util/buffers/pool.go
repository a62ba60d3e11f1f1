// Package buffers provides reusable byte buffers for part transfers,
// reducing GC pressure when many parts are in flight.
package buffers

import (
	"sync"
	"sync/atomic"
)

// Pool hands out fixed-size byte buffers backed by a sync.Pool. Buffers are
// sized to the pipeline's part size, so one buffer serves any part of the
// run; shorter final parts use a prefix slice.
type Pool struct {
	size   int64
	pool   sync.Pool
	allocs atomic.Int64
}

// NewPool creates a pool of buffers of the given size.
func NewPool(size int64) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		p.allocs.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the buffer size the pool hands out.
func (p *Pool) Size() int64 { return p.size }

// Get retrieves a buffer. Return it with Put when the part is done.
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer for reuse. Buffers of the wrong size are dropped so
// a foreign slice can never poison the pool.
func (p *Pool) Put(buf *[]byte) {
	if buf != nil && int64(len(*buf)) == p.size {
		p.pool.Put(buf)
	}
}

// Allocations returns how many buffers were newly allocated, for tests and
// diagnostics.
func (p *Pool) Allocations() int64 {
	return p.allocs.Load()
}
