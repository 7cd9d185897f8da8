package transport

import (
	"sync"

	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// Direction of a pooled buffer.
type Direction uint8

const (
	DirSend Direction = iota
	DirRecv
)

type poolKey struct {
	peer int
	dir  Direction
}

// BufferPool hands out one reusable buffer per (peer, direction). Buffers
// only ever grow, so after the first few steps a run allocates nothing on
// the exchange path. A buffer returned for a key is valid until the next
// call for the same key.
type BufferPool struct {
	mu       sync.Mutex
	bytes    map[poolKey][]byte
	floats   map[poolKey][]float64
	capacity int
	metrics  *metrics.Registry
}

// NewBufferPool creates an empty pool; reg may be nil.
func NewBufferPool(reg *metrics.Registry) *BufferPool {
	return &BufferPool{
		bytes:   make(map[poolKey][]byte),
		floats:  make(map[poolKey][]float64),
		metrics: reg,
	}
}

func grownCap(old, n int) int {
	c := old * 2
	if c < n {
		c = n
	}
	return c
}

// Bytes returns a byte buffer of length n for (peer, dir).
func (p *BufferPool) Bytes(peer int, dir Direction, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := poolKey{peer, dir}
	b := p.bytes[k]
	if cap(b) < n {
		c := grownCap(cap(b), n)
		p.capacity += c - cap(b)
		b = make([]byte, c)
		p.bytes[k] = b
		p.metrics.SetBufferPoolSize(p.capacity)
	}
	return b[:n]
}

// Floats returns a float64 buffer of length n for (peer, dir). Contents are
// whatever the previous user left there.
func (p *BufferPool) Floats(peer int, dir Direction, n int) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := poolKey{peer, dir}
	f := p.floats[k]
	if cap(f) < n {
		c := grownCap(cap(f), n)
		p.capacity += 8 * (c - cap(f))
		f = make([]float64, c)
		p.floats[k] = f
		p.metrics.SetBufferPoolSize(p.capacity)
	}
	return f[:n]
}

// Capacity is the number of bytes held by the pool.
func (p *BufferPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}
