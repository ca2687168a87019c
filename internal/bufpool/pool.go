// Package bufpool provides scoped acquisition of fixed-size byte buffers
// (spec §4.2). It bounds the number of outstanding buffers so ingestion and
// restore workers contribute a predictable, capped amount of memory instead
// of one allocation per file per chunk.
package bufpool

import "sync"

// Policy selects what happens when the pool is at capacity and a new
// buffer is requested.
type Policy int

const (
	// PolicyBlock makes Acquire block until a buffer is released. This is
	// the preferred policy: it turns pool exhaustion into backpressure
	// instead of unbounded memory growth (spec §4.2, §4.7 backpressure).
	PolicyBlock Policy = iota
	// PolicyOverflow allocates a transient buffer outside the pool instead
	// of blocking. Transient buffers are never returned to the pool.
	PolicyOverflow
)

// Buffer is a checked-out byte slice. Callers must call Release exactly
// once when done; Release is safe to call via defer immediately after
// Acquire.
type Buffer struct {
	Bytes    []byte
	pool     *Pool
	transient bool
}

// Release returns the buffer to its pool, clearing it logically (capacity
// is preserved so the backing array is reused, per spec §4.2).
func (b *Buffer) Release() {
	if b == nil || b.pool == nil || b.transient {
		return
	}
	b.pool.release(b)
}

// Pool is a bounded set of reusable fixed-size buffers.
type Pool struct {
	size     int
	ceiling  int
	policy   Policy
	mu       sync.Mutex
	cond     *sync.Cond
	outstanding int
	free     [][]byte
}

// New creates a pool of buffers of the given size, bounded to ceiling
// concurrently outstanding buffers.
func New(size, ceiling int, policy Policy) *Pool {
	p := &Pool{size: size, ceiling: ceiling, policy: policy}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire checks out a buffer of the pool's configured size. When the pool
// is at capacity, behavior depends on Policy: PolicyBlock waits for a
// release, PolicyOverflow allocates a transient buffer that bypasses the
// pool entirely.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	for p.outstanding >= p.ceiling && len(p.free) == 0 {
		if p.policy == PolicyOverflow {
			p.mu.Unlock()
			return &Buffer{Bytes: make([]byte, p.size), transient: true}
		}
		p.cond.Wait()
	}

	var buf []byte
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		buf = make([]byte, p.size)
	}
	p.outstanding++
	p.mu.Unlock()

	return &Buffer{Bytes: buf, pool: p}
}

func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	clear(b.Bytes)
	p.free = append(p.free, b.Bytes)
	p.outstanding--
	p.cond.Signal()
	p.mu.Unlock()
}

// Outstanding returns the number of buffers currently checked out, for
// tests and diagnostics.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
