package httputil

import "sync/atomic"

// Semaphore bounds fire-and-forget work such as audit archive flushes.
// When the bound is hit the work is dropped, never queued: the message
// pipeline must not feel backpressure from collaborators.
type Semaphore struct {
	slots   chan struct{}
	dropped atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 64
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// TryAcquire takes a slot without blocking. A false return means the work
// should be skipped; the drop is counted for operator visibility.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Release returns a slot. Safe to call only after a successful TryAcquire.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// Dropped reports how many units of work were skipped at capacity.
func (s *Semaphore) Dropped() int64 { return s.dropped.Load() }

// InUse reports the number of currently held slots.
func (s *Semaphore) InUse() int { return len(s.slots) }
