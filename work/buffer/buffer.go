package buffer

import (
	"sync"
)

// Pool is a thread-safe pool of byte slices used for segment and manifest
// downloads. Engine adapters churn through short-lived buffers at segment
// cadence; pooling them keeps allocation pressure flat during long live
// sessions.
type Pool struct {
	pool sync.Pool
	size int
}

// NewPool creates a Pool handing out buffers of the given size in bytes.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 32 * 1024
	}
	return &Pool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get returns a buffer of the pool's configured size.
func (p *Pool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped so
// a resize in config cannot poison the pool.
func (p *Pool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
