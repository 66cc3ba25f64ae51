// Package fifosem provides a weighted counting semaphore with strict FIFO
// admission. Unlike golang.org/x/sync/semaphore it supports resizing the
// permit pool at runtime, which the limiter needs when a distributed pool
// allocation or memory budget changes under load.
package fifosem

import (
	"container/list"
	"context"
	"sync"
)

// Stats is a point-in-time view of the semaphore.
type Stats struct {
	Available int64 // reported headroom, never negative
	Max       int64
	InUse     int64
	Waiting   int
}

type waiter struct {
	weight int64
	ready  chan struct{} // closed when the permits are granted
}

// Sem is a weighted semaphore. Waiters are served strictly in arrival order:
// a small request behind a blocked large one waits, it does not jump ahead.
type Sem struct {
	mu      sync.Mutex
	max     int64
	inUse   int64
	waiters list.List
}

// New creates a semaphore with max permits.
func New(max int64) *Sem {
	return &Sem{max: max}
}

// TryAcquire grabs weight permits without blocking. It fails when the permits
// do not fit or when any waiter is queued, so it can never overtake the queue.
func (s *Sem) TryAcquire(weight int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters.Len() > 0 || s.inUse+weight > s.max {
		return false
	}
	s.inUse += weight
	return true
}

// HasCapacityFor reports whether weight permits would currently fit. Unlike
// TryAcquire it takes nothing; the answer is advisory and may be stale by the
// time the caller acts on it.
func (s *Sem) HasCapacityFor(weight int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len() == 0 && s.inUse+weight <= s.max
}

// Acquire blocks until weight permits are available or ctx is done. Permits
// are granted in arrival order. A request heavier than the current max waits
// until a Resize makes it satisfiable.
func (s *Sem) Acquire(ctx context.Context, weight int64) error {
	s.mu.Lock()
	if s.waiters.Len() == 0 && s.inUse+weight <= s.max {
		s.inUse += weight
		s.mu.Unlock()
		return nil
	}

	w := &waiter{weight: weight, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-w.ready:
			// Granted between ctx firing and lock acquisition: the permits
			// are ours, hand them back and wake the next waiter.
			s.inUse -= weight
			s.grantLocked()
		default:
			s.waiters.Remove(elem)
			// Removing a blocked head may unblock smaller waiters behind it.
			s.grantLocked()
		}
		s.mu.Unlock()
		return ctx.Err()
	case <-w.ready:
		return nil
	}
}

// Release returns weight permits and serves queued waiters in order.
func (s *Sem) Release(weight int64) {
	s.mu.Lock()
	s.inUse -= weight
	if s.inUse < 0 {
		s.inUse = 0
	}
	s.grantLocked()
	s.mu.Unlock()
}

// Resize changes the permit pool. Growing serves queued waiters with the new
// permits; shrinking never revokes permits already held, the pool simply
// stays over-committed until holders release.
func (s *Sem) Resize(newMax int64) {
	s.mu.Lock()
	s.max = newMax
	s.grantLocked()
	s.mu.Unlock()
}

// grantLocked serves waiters from the head while their weights fit. Stops at
// the first waiter that does not fit, preserving FIFO order.
func (s *Sem) grantLocked() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if s.inUse+w.weight > s.max {
			return
		}
		s.inUse += w.weight
		s.waiters.Remove(front)
		close(w.ready)
	}
}

// Stats returns a snapshot of the semaphore state. Available is clamped at
// zero when a shrink left the pool over-committed.
func (s *Sem) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.max - s.inUse
	if avail < 0 {
		avail = 0
	}
	return Stats{Available: avail, Max: s.max, InUse: s.inUse, Waiting: s.waiters.Len()}
}
