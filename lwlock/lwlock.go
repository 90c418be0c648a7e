// Package lwlock implements lightweight reader/writer locks with a FIFO
// wait queue of backends. Waiters sleep on their backend semaphore and are
// handed the lock directly by the releaser.
package lwlock

import (
	"fmt"

	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/spin"
	"github.com/maxpert/txcore/telemetry"
)

// Mode of acquisition.
type Mode uint32

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// MaxSimulLWLocks bounds how many locks one backend may hold at once.
const MaxSimulLWLocks = 200

// Lock is one lightweight lock.
type Lock struct {
	tranche   TrancheID
	name      string
	mutex     spin.Lock
	exclusive int
	shared    int
	head      *proc.Backend
	tail      *proc.Backend
}

// NewLock creates a standalone lock in the given tranche.
func NewLock(tranche TrancheID, name string) *Lock {
	return &Lock{tranche: tranche, name: name}
}

// Tranche returns the lock's tranche.
func (l *Lock) Tranche() TrancheID {
	return l.tranche
}

// Name returns the tranche name used in wait events and errors.
func (l *Lock) Name() string {
	return l.name
}

func (l *Lock) grantable(mode Mode) bool {
	if mode == Exclusive {
		return l.exclusive == 0 && l.shared == 0
	}
	return l.exclusive == 0
}

func (l *Lock) grant(mode Mode) {
	if mode == Exclusive {
		l.exclusive++
	} else {
		l.shared++
	}
}

// enqueue links b into the wait queue. Backends with a higher wait rank
// are placed ahead of lower-ranked ones; equal ranks stay FIFO.
func (l *Lock) enqueue(b *proc.Backend) {
	b.LW.Next = nil
	if l.head == nil {
		l.head, l.tail = b, b
		return
	}
	rank := b.WaitRank()
	if rank <= l.tail.WaitRank() {
		l.tail.LW.Next = b
		l.tail = b
		return
	}
	var prev *proc.Backend
	for cur := l.head; cur != nil; cur = cur.LW.Next {
		if cur.WaitRank() < rank {
			b.LW.Next = cur
			if prev == nil {
				l.head = b
			} else {
				prev.LW.Next = b
			}
			return
		}
		prev = cur
	}
	l.tail.LW.Next = b
	l.tail = b
}

// Acquire takes the lock in mode, sleeping if needed. Interrupts stay held
// until the matching Release. Reports whether the caller had to wait.
func (l *Lock) Acquire(b *proc.Backend, mode Mode) bool {
	if len(b.LW.Held) >= MaxSimulLWLocks {
		panic(fmt.Sprintf("too many LWLocks taken by backend %d", b.Number()))
	}
	b.HoldInterrupts()

	l.mutex.Lock()
	if l.head == nil && l.grantable(mode) {
		l.grant(mode)
		l.mutex.Unlock()
		b.LW.Held = append(b.LW.Held, proc.HeldLock{Lock: l, Mode: uint32(mode)})
		return false
	}
	b.LW.Waiting.Store(proc.LWWaiting)
	b.LW.WaitMode = uint32(mode)
	l.enqueue(b)
	l.mutex.Unlock()

	telemetry.LWLockWaits.With(l.name).Inc()
	b.ReportWaitStart(proc.WaitClassLWLock | uint32(l.tranche))
	extraWaits := 0
	for {
		b.Sema().Lock()
		if b.LW.Waiting.Load() == proc.LWNotWaiting {
			break
		}
		extraWaits++
	}
	b.ReportWaitEnd()
	for ; extraWaits > 0; extraWaits-- {
		b.Sema().Unlock()
	}

	b.LW.Held = append(b.LW.Held, proc.HeldLock{Lock: l, Mode: uint32(mode)})
	return true
}

// ConditionalAcquire takes the lock only if it is free right now.
func (l *Lock) ConditionalAcquire(b *proc.Backend, mode Mode) bool {
	if len(b.LW.Held) >= MaxSimulLWLocks {
		panic(fmt.Sprintf("too many LWLocks taken by backend %d", b.Number()))
	}
	l.mutex.Lock()
	if l.head != nil || !l.grantable(mode) {
		l.mutex.Unlock()
		return false
	}
	l.grant(mode)
	l.mutex.Unlock()

	b.HoldInterrupts()
	b.LW.Held = append(b.LW.Held, proc.HeldLock{Lock: l, Mode: uint32(mode)})
	return true
}

// Release drops one hold of the lock by b and resumes interrupts.
func (l *Lock) Release(b *proc.Backend) {
	l.release(b)
	b.ResumeInterrupts()
}

func (l *Lock) release(b *proc.Backend) {
	held := b.LW.Held
	i := len(held) - 1
	for ; i >= 0; i-- {
		if held[i].Lock == l {
			break
		}
	}
	if i < 0 {
		panic(fmt.Sprintf("lock %s is not held", l.name))
	}
	mode := Mode(held[i].Mode)
	b.LW.Held = append(held[:i], held[i+1:]...)

	var wake []*proc.Backend
	l.mutex.Lock()
	if mode == Exclusive {
		l.exclusive--
	} else {
		l.shared--
	}
	if l.exclusive == 0 && l.head != nil {
		if Mode(l.head.LW.WaitMode) == Exclusive {
			if l.shared == 0 {
				w := l.head
				l.head = w.LW.Next
				l.grant(Exclusive)
				wake = append(wake, w)
			}
		} else {
			for l.head != nil && Mode(l.head.LW.WaitMode) == Shared {
				w := l.head
				l.head = w.LW.Next
				l.grant(Shared)
				wake = append(wake, w)
			}
		}
		if l.head == nil {
			l.tail = nil
		}
	}
	l.mutex.Unlock()

	for _, w := range wake {
		w.LW.Next = nil
		w.LW.Waiting.Store(proc.LWNotWaiting)
		w.Sema().Unlock()
	}
}

// ReleaseAll drops every lock b holds, most recent first, leaving the
// interrupt holdoff count to the caller.
func ReleaseAll(b *proc.Backend) {
	for len(b.LW.Held) > 0 {
		l := b.LW.Held[len(b.LW.Held)-1].Lock.(*Lock)
		l.release(b)
	}
}

// HeldByMe reports whether b holds l in any mode.
func (l *Lock) HeldByMe(b *proc.Backend) bool {
	for _, h := range b.LW.Held {
		if h.Lock == l {
			return true
		}
	}
	return false
}

// HeldByMeInMode reports whether b holds l in mode.
func (l *Lock) HeldByMeInMode(b *proc.Backend, mode Mode) bool {
	for _, h := range b.LW.Held {
		if h.Lock == l && Mode(h.Mode) == mode {
			return true
		}
	}
	return false
}

// AnyHeld reports whether b holds any LW lock.
func AnyHeld(b *proc.Backend) bool {
	return len(b.LW.Held) > 0
}

// Holders returns the current shared and exclusive counts.
func (l *Lock) Holders() (shared, exclusive int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.shared, l.exclusive
}

// Waiters counts queued backends.
func (l *Lock) Waiters() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	n := 0
	for cur := l.head; cur != nil; cur = cur.LW.Next {
		n++
	}
	return n
}
