package proc

import (
	"context"
	"time"
)

const semaphoreDepth = 128

// Semaphore is the per-backend counting semaphore backends sleep on.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with count zero.
func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, semaphoreDepth)}
}

// Lock decrements the count, sleeping while it is zero.
func (s *Semaphore) Lock() {
	<-s.ch
}

// LockContext is Lock that gives up when ctx is done.
func (s *Semaphore) LockContext(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LockTimeout is Lock bounded by d; false means it timed out.
func (s *Semaphore) LockTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}

// TryLock decrements without sleeping if the count is positive.
func (s *Semaphore) TryLock() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Unlock increments the count, waking one sleeper.
func (s *Semaphore) Unlock() {
	s.ch <- struct{}{}
}
