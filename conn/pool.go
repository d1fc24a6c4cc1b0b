package conn

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConnections is the pool's default cap on live connections.
const DefaultMaxConnections = 8

// Pool is a bounded set of reusable Connections to a single address.
// Reserve hands out an idle connection or dials a fresh one, blocking once
// the cap is reached until a slot frees up or ctx is done. Return puts a
// connection back into service, or discards it if poisoned.
type Pool struct {
	addr string
	sem  *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Connection
	closed bool
	nextID uint64
}

// NewPool creates a Pool that dials addr on demand, never holding more than
// maxConns connections open at once. A maxConns of 0 uses
// DefaultMaxConnections.
func NewPool(addr string, maxConns int64) *Pool {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	return &Pool{
		addr: addr,
		sem:  semaphore.NewWeighted(maxConns),
	}
}

// Reserve returns an idle connection, or dials a new one if the cap has not
// been reached. It blocks if the cap is already reached, until a
// connection is returned or ctx is done.
func (p *Pool) Reserve(ctx context.Context) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	id := p.nextID
	p.nextID++
	p.mu.Unlock()

	c, err := Dial(ctx, p.addr, id)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return c, nil
}

// Return releases a reservation. A poisoned connection is closed and
// discarded rather than returned to the idle set; either way, its
// semaphore slot is freed for the next Reserve.
func (p *Pool) Return(c *Connection) {
	defer p.sem.Release(1)

	if c.Poisoned() {
		_ = c.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, c)
}

// Drain closes every idle connection without affecting reservations that
// are currently checked out. The pool stays open, so those connections
// rejoin the idle set when next Returned.
func (p *Pool) Drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.Close()
	}
}

// Close drains the pool and marks it closed; subsequent Reserve calls fail
// with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.Close()
	}
}

// Len reports the number of currently idle connections, for tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
