// Package spin provides a test-and-set lock for very short critical
// sections. The lock is a single uint32 so it can live inside shared
// arena memory.
package spin

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	minSpinsPerDelay = 10
	maxSpinsPerDelay = 1000
	numDelays        = 1000
	minDelay         = time.Millisecond
	maxDelay         = time.Second
)

// Lock is a spinlock. The zero value is unlocked.
type Lock struct {
	v uint32
}

// At reinterprets a word of shared memory as a spinlock.
func At(p *uint32) *Lock {
	return (*Lock)(unsafe.Pointer(p))
}

// Init resets the lock to the unlocked state.
func (l *Lock) Init() {
	atomic.StoreUint32(&l.v, 0)
}

// TryLock attempts to take the lock without spinning.
func (l *Lock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.v, 0, 1)
}

// Lock spins until the lock is acquired, yielding and then sleeping with
// growing delays when contended. Panics if the lock looks stuck.
func (l *Lock) Lock() {
	if l.TryLock() {
		return
	}
	var (
		spins  int
		delays int
		delay  = minDelay
	)
	for !l.TryLock() {
		spins++
		if spins < minSpinsPerDelay {
			continue
		}
		if spins < maxSpinsPerDelay {
			runtime.Gosched()
			continue
		}
		delays++
		if delays > numDelays {
			panic("stuck spinlock detected")
		}
		time.Sleep(delay)
		delay += delay / 2
		if delay > maxDelay {
			delay = minDelay
		}
		spins = 0
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	atomic.StoreUint32(&l.v, 0)
}

// Locked reports whether the lock is currently held by anyone.
func (l *Lock) Locked() bool {
	return atomic.LoadUint32(&l.v) != 0
}
