// Package pool maintains a fixed-capacity reservoir of warm, pre-started
// VM handles. Callers reserve a handle, use it, and release it; a released
// handle is retired and a fresh replacement is spawned so every reservation
// gets a clean VM. At every observable moment the number of available plus
// outstanding handles never exceeds capacity.
package pool

import (
	"context"
	"log"
	"sync"

	"github.com/xfeldman/vmkit/internal/handle"
	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// Factory creates one fresh, already-running VM handle. The pool calls it
// to fill initial capacity and to respawn replacements for released
// reservations.
type Factory func(ctx context.Context) (*handle.VmHandle, error)

// Pool is the reservoir. Waiters are served in FIFO order; a waiter whose
// context is cancelled never consumes a slot.
type Pool struct {
	factory  Factory
	capacity int

	mu          sync.Mutex
	available   []*handle.VmHandle
	outstanding map[*handle.VmHandle]bool
	waiters     []chan *handle.VmHandle
	closed      bool

	spawnWg sync.WaitGroup
}

// New creates a pool and starts filling it to capacity in the background.
// Reserve blocks until the first handle is warm.
func New(ctx context.Context, capacity int, factory Factory) *Pool {
	p := &Pool{
		factory:     factory,
		capacity:    capacity,
		outstanding: make(map[*handle.VmHandle]bool),
	}
	for i := 0; i < capacity; i++ {
		p.spawnWg.Add(1)
		go p.spawnOne(ctx)
	}
	return p
}

func (p *Pool) spawnOne(ctx context.Context) {
	defer p.spawnWg.Done()
	h, err := p.factory(ctx)
	if err != nil {
		// The slot stays empty; capacity shrinks until the next release
		// triggers another spawn attempt.
		log.Printf("pool: replacement spawn failed: %v", err)
		return
	}
	p.offer(h)
}

// offer hands a warm handle to the longest-waiting reserver if one exists
// (FIFO fairness), otherwise parks it in available.
func (p *Pool) offer(h *handle.VmHandle) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Kill(context.Background())
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.outstanding[h] = true
		// w has room for exactly one handle, so this send never blocks; making
		// it under the lock guarantees a cancelled Reserve finds it on drain.
		w <- h
		p.mu.Unlock()
		return
	}
	p.available = append(p.available, h)
	p.mu.Unlock()
}

// Reservation is a scoped checkout of one pool handle. Release retires the
// handle and triggers a replacement spawn; forgetting to call Release leaks
// a pool slot for the pool's lifetime, so callers should defer it.
type Reservation struct {
	pool *Pool
	h    *handle.VmHandle

	once sync.Once
}

// Handle returns the reserved VM handle.
func (r *Reservation) Handle() *handle.VmHandle { return r.h }

// Release retires the reserved VM and asynchronously spawns a replacement,
// returning the slot to the pool once the replacement is warm. If the pool
// has shut down, the VM is killed and no replacement is spawned. Safe to
// call more than once.
func (r *Reservation) Release(ctx context.Context) {
	r.once.Do(func() {
		p := r.pool
		p.mu.Lock()
		delete(p.outstanding, r.h)
		closed := p.closed
		p.mu.Unlock()

		r.h.Kill(ctx)
		if closed {
			return
		}
		p.spawnWg.Add(1)
		go p.spawnOne(ctx)
	})
}

// Reserve blocks until a warm handle is available or ctx is cancelled. On
// cancellation the waiter slot is withdrawn without consuming a handle; a
// handle that raced into the waiter channel is put back for the next caller.
func (p *Pool) Reserve(ctx context.Context) (*Reservation, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, vmkiterr.ErrPoolShutdown
	}
	if len(p.available) > 0 {
		h := p.available[0]
		p.available = p.available[1:]
		p.outstanding[h] = true
		p.mu.Unlock()
		return &Reservation{pool: p, h: h}, nil
	}
	ch := make(chan *handle.VmHandle, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case h, ok := <-ch:
		if !ok {
			return nil, vmkiterr.ErrPoolShutdown
		}
		return &Reservation{pool: p, h: h}, nil
	case <-ctx.Done():
		p.removeWaiter(ch)
		select {
		case h, ok := <-ch:
			if ok {
				p.mu.Lock()
				delete(p.outstanding, h)
				p.mu.Unlock()
				p.offer(h)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// TryReserve reserves immediately or fails with ErrPoolEmpty.
func (p *Pool) TryReserve() (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, vmkiterr.ErrPoolShutdown
	}
	if len(p.available) == 0 {
		return nil, vmkiterr.ErrPoolEmpty
	}
	h := p.available[0]
	p.available = p.available[1:]
	p.outstanding[h] = true
	return &Reservation{pool: p, h: h}, nil
}

func (p *Pool) removeWaiter(ch chan *handle.VmHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// AvailableCount returns the number of immediately reservable handles.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// OutstandingCount returns the number of currently reserved handles.
func (p *Pool) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Capacity returns the pool's configured size.
func (p *Pool) Capacity() int { return p.capacity }

// Close shuts the pool down: pending waiters fail with ErrPoolShutdown and
// every handle, available and outstanding, is killed.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	handles := p.available
	p.available = nil
	for h := range p.outstanding {
		handles = append(handles, h)
	}
	p.outstanding = make(map[*handle.VmHandle]bool)
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, h := range handles {
		h.Kill(ctx)
	}
	p.spawnWg.Wait()
}
