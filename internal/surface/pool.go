package surface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed  = errors.New("surface pool closed")
	ErrInvalidSize = errors.New("invalid pool size")
)

// Pool hands out at most Capacity surfaces at once. The buffered channel is
// both the free-list and the counting semaphore.
type Pool struct {
	width  int
	height int
	free   chan *Surface

	mu     sync.Mutex
	closed bool

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewPool allocates size surfaces of width x height up front
func NewPool(size, width, height int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: canvas %dx%d", ErrInvalidSize, width, height)
	}

	p := &Pool{
		width:  width,
		height: height,
		free:   make(chan *Surface, size),
	}
	for i := 0; i < size; i++ {
		s := newSurface(i, width, height)
		s.pool = p
		p.free <- s
	}
	return p, nil
}

// Capacity is the number of surfaces the pool was built with
func (p *Pool) Capacity() int { return cap(p.free) }

// InFlight is the number of surfaces currently acquired
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Peak is the highest InFlight value observed since construction
func (p *Pool) Peak() int { return int(p.peak.Load()) }

// Acquire blocks until a surface is free, ctx is done or the pool is cleaned up
func (p *Pool) Acquire(ctx context.Context) (*Surface, error) {
	select {
	case s, ok := <-p.free:
		if !ok {
			return nil, ErrPoolClosed
		}
		n := p.inFlight.Add(1)
		for {
			cur := p.peak.Load()
			if n <= cur || p.peak.CompareAndSwap(cur, n) {
				break
			}
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets s and returns it to the free-list
func (p *Pool) Release(s *Surface) {
	if s == nil || s.pool != p {
		return
	}
	s.Reset()
	p.put(s)
}

// Discard replaces s with a newly allocated surface. Used when a render
// aborted midway and the surface state can no longer be trusted.
func (p *Pool) Discard(s *Surface) {
	if s == nil || s.pool != p {
		return
	}
	_ = s.close()

	fresh := newSurface(s.id, p.width, p.height)
	fresh.pool = p
	p.put(fresh)
}

func (p *Pool) put(s *Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inFlight.Add(-1)
	if p.closed {
		_ = s.close()
		return
	}
	p.free <- s
}

// Cleanup releases every surface. It is safe to call more than once; surfaces
// still acquired are closed when they are released.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.free)

	var errs []error
	for s := range p.free {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
