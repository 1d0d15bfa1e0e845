// Package bufpool implements a fixed-size, bounded, reference-counted
// pool of byte buffers shared by the reliable input and output channels.
package bufpool

import "sync"

// Buffer is a pooled, reference-counted byte slice. The valid payload is
// buf[start:end]; capacity beyond end is scratch space a producer may grow
// into (up to len(buf)) before handing the buffer to a stash.
type Buffer struct {
	pool  *Pool
	buf   []byte
	start int
	end   int
	mu    sync.Mutex
	refs  int
}

// Bytes returns the valid slice of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.start:b.end]
}

// SetRange adjusts the valid slice in place, used while assembling a
// fragment or stash entry inside buf's backing array.
func (b *Buffer) SetRange(start, end int) {
	b.start = start
	b.end = end
}

// Cap returns the total backing capacity, for producers deciding whether a
// buffer is large enough before renting a bigger one.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Raw returns the full backing array, for producers (such as the output
// channel's multi-data coalescing buffer) that assemble a packet across
// several writes before settling on the final valid range with SetRange.
func (b *Buffer) Raw() []byte {
	return b.buf
}

// Retain adds a reference. Call once per additional holder (e.g. a stash
// slot holding onto a buffer the multi-buffer also still owns transiently).
func (b *Buffer) Retain() {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
}

// Release drops a reference. When the last reference is released, the
// buffer is returned to its pool, or freed if the pool is at capacity.
func (b *Buffer) Release() {
	b.mu.Lock()
	b.refs--
	remaining := b.refs
	b.mu.Unlock()
	if remaining <= 0 {
		b.pool.put(b)
	}
}

// Pool is a thread-safe LIFO of fixed-length byte buffers. Buffers beyond
// maxFree are not retained on return and are left for the garbage
// collector, per §3 "freed if the pool is at capacity".
type Pool struct {
	mu      sync.Mutex
	free    []*Buffer
	size    int
	maxFree int
	rented  int
}

// New creates a pool renting buffers of size bufSize, retaining at most
// maxFree returned buffers for reuse.
func New(bufSize, maxFree int) *Pool {
	return &Pool{
		size:    bufSize,
		maxFree: maxFree,
	}
}

// BufferSize returns the fixed size of buffers this pool rents.
func (p *Pool) BufferSize() int {
	return p.size
}

// Rent returns a buffer with a single reference, its valid range set to
// the full backing slice. Callers that need less should SetRange.
func (p *Pool) Rent() *Buffer {
	p.mu.Lock()
	n := len(p.free)
	if n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		p.rented++
		p.mu.Unlock()
		b.start = 0
		b.end = len(b.buf)
		b.refs = 1
		return b
	}
	p.rented++
	p.mu.Unlock()
	b := &Buffer{
		pool: p,
		buf:  make([]byte, p.size),
		refs: 1,
	}
	b.end = len(b.buf)
	return b
}

func (p *Pool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rented--
	if len(p.free) >= p.maxFree {
		// Pool at capacity: let the buffer be collected.
		return
	}
	b.start = 0
	b.end = len(b.buf)
	p.free = append(p.free, b)
}

// Outstanding returns the number of buffers currently rented out and not
// yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rented
}
