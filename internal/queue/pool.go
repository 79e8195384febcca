package queue

import (
	"errors"
	"sync"
)

var ErrPoolExhausted = errors.New("buffer pool exhausted")

// Pool is a fixed number of fixed size buffers. It never allocates after
// NewPool, an empty pool returns ErrPoolExhausted.
type Pool struct {
	sync.Mutex
	free [][]byte
	size int
	cnt  int
}

func NewPool(count, size int) *Pool {
	p := &Pool{free: make([][]byte, 0, count), size: size, cnt: count}
	backing := make([]byte, count*size)
	for i := 0; i < count; i++ {
		p.free = append(p.free, backing[i*size:(i+1)*size:(i+1)*size])
	}
	return p
}

// Acquire returns a buffer of length BufferSize.
func (p *Pool) Acquire() ([]byte, error) {
	p.Lock()
	defer p.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil, ErrPoolExhausted
	}
	b := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return b[:p.size], nil
}

// Release returns b to the pool. Buffers not from this pool are ignored.
func (p *Pool) Release(b []byte) {
	if cap(b) != p.size {
		return
	}
	p.Lock()
	if len(p.free) < p.cnt {
		p.free = append(p.free, b[:p.size])
	}
	p.Unlock()
}

func (p *Pool) BufferSize() int {
	return p.size
}

// Available returns the number of buffers not currently acquired.
func (p *Pool) Available() int {
	p.Lock()
	n := len(p.free)
	p.Unlock()
	return n
}
