// Package buffers provides reusable fixed-size byte buffers for chunk reads.
// Reusing buffers keeps heap churn flat during long transfers, and the
// in-use counters make the per-transfer memory bound observable.
package buffers

import (
	"sync"
	"sync/atomic"
)

// Pool hands out buffers of exactly Size() bytes.
// Safe for concurrent use.
type Pool struct {
	size int
	pool sync.Pool

	allocations atomic.Int64 // Total buffer allocations (new creates)
	inUse       atomic.Int64 // Buffers currently checked out
	peakInUse   atomic.Int64 // Highest inUse ever observed
}

// NewPool creates a pool of size-byte buffers.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		p.allocations.Add(1)
		buf := make([]byte, p.size)
		return &buf
	}
	return p
}

// Size returns the buffer size of the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get retrieves a buffer from the pool.
// The buffer must be returned with Put when done.
//
// Usage:
//
//	buf := pool.Get()
//	defer pool.Put(buf)
//	n, err := io.ReadFull(r, *buf)
//	// Use (*buf)[:n] for actual data
func (p *Pool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	n := p.inUse.Add(1)
	for {
		peak := p.peakInUse.Load()
		if n <= peak || p.peakInUse.CompareAndSwap(peak, n) {
			break
		}
	}
	return buf
}

// Put returns a buffer to the pool for reuse.
// The buffer should not be used after calling this function.
// Buffers of the wrong size are dropped but still counted as returned.
// The buffer is cleared before being pooled so file contents do not linger.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	p.inUse.Add(-1)
	if len(*buf) == p.size {
		clear(*buf)
		p.pool.Put(buf)
	}
}

// Stats returns current buffer pool statistics
// Useful for monitoring and debugging memory usage
type Stats struct {
	BufferSize  int   // Size of buffers (bytes)
	Allocations int64 // Total buffer allocations (new creates)
	InUse       int64 // Buffers currently checked out
	PeakInUse   int64 // Highest number of buffers checked out at once
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		BufferSize:  p.size,
		Allocations: p.allocations.Load(),
		InUse:       p.inUse.Load(),
		PeakInUse:   p.peakInUse.Load(),
	}
}

var (
	sharedMu    sync.Mutex
	sharedPools = map[int]*Pool{}
)

// Shared returns the process-wide pool for size, creating it on first use.
// Sessions with the same chunk size reuse each other's buffers.
func Shared(size int) *Pool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if p, ok := sharedPools[size]; ok {
		return p
	}
	p := NewPool(size)
	sharedPools[size] = p
	return p
}
