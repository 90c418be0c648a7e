// Package proc holds per-backend state: the process context every blocking
// or shared-state operation runs under.
package proc

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
)

// ProcNumber indexes a backend slot in the registry.
type ProcNumber int32

const InvalidProcNumber ProcNumber = -1

// LW lock wait states.
const (
	LWNotWaiting uint32 = iota
	LWWaiting
	LWPendingWakeup
)

// HeldLock is one entry of a backend's held LW lock stack.
type HeldLock struct {
	Lock any
	Mode uint32
}

// LWLockState is the bookkeeping package lwlock keeps per backend.
type LWLockState struct {
	Waiting  atomic.Uint32
	WaitMode uint32
	Next     *Backend
	Held     []HeldLock
}

// LockStats tracks the current transaction's tuple lock activity for the
// adaptive lock policy.
type LockStats struct {
	Xid    uint32
	Op     uint8
	Reads  int
	Writes int
}

// Reset clears the stats at transaction start.
func (s *LockStats) Reset(xid uint32) {
	*s = LockStats{Xid: xid}
}

// Backend is one session or worker attached to shared state.
type Backend struct {
	number ProcNumber
	name   string
	sema   *Semaphore

	LW LWLockState

	interruptHoldoff int32
	critSection      int32
	cancelPending    atomic.Bool
	catchupPending   atomic.Bool
	delayChkpt       atomic.Int32

	waitEventInfo atomic.Uint32

	lockTimeout time.Duration
	waitRank    float32
	lockStats   LockStats

	abort func(error)
}

// NewBackend builds a standalone backend; normally obtained via Registry.
func NewBackend(number ProcNumber, name string) *Backend {
	return &Backend{
		number: number,
		name:   name,
		sema:   NewSemaphore(),
		abort:  AbortProcess,
	}
}

// AbortProcess terminates the process after an error inside a critical
// section. Replaceable per backend with SetAbortHook.
var AbortProcess = func(err error) {
	log.Fatal().Err(err).Msg("PANIC: error in critical section")
}

func (b *Backend) Number() ProcNumber { return b.number }
func (b *Backend) Name() string       { return b.name }
func (b *Backend) Sema() *Semaphore   { return b.sema }

// SetAbortHook replaces the critical-section abort behavior.
func (b *Backend) SetAbortHook(fn func(error)) {
	b.abort = fn
}

// HoldInterrupts postpones cancellation until the matching ResumeInterrupts.
func (b *Backend) HoldInterrupts() {
	b.interruptHoldoff++
}

// ResumeInterrupts undoes one HoldInterrupts.
func (b *Backend) ResumeInterrupts() {
	if b.interruptHoldoff <= 0 {
		panic("ResumeInterrupts without HoldInterrupts")
	}
	b.interruptHoldoff--
}

// InterruptHoldoff returns the current holdoff depth.
func (b *Backend) InterruptHoldoff() int32 {
	return b.interruptHoldoff
}

// ResetInterruptHoldoff is used by error recovery once locks are released.
func (b *Backend) ResetInterruptHoldoff() {
	b.interruptHoldoff = 0
}

// Cancel requests cancellation of the backend's current operation.
func (b *Backend) Cancel() {
	b.cancelPending.Store(true)
}

// CheckForInterrupts reports a pending cancel unless interrupts are held.
func (b *Backend) CheckForInterrupts() error {
	if b.interruptHoldoff > 0 || b.critSection > 0 {
		return nil
	}
	if b.cancelPending.CompareAndSwap(true, false) {
		return pgerr.New(pgerr.QueryCanceled, "canceling statement due to user request")
	}
	return nil
}

// StartCritSection enters a region in which any error aborts the process.
func (b *Backend) StartCritSection() {
	b.critSection++
}

// EndCritSection leaves a critical section.
func (b *Backend) EndCritSection() {
	if b.critSection <= 0 {
		panic("EndCritSection without StartCritSection")
	}
	b.critSection--
}

// InCritSection reports whether a critical section is active.
func (b *Backend) InCritSection() bool {
	return b.critSection > 0
}

// Check passes err through outside critical sections. Inside one, a
// non-nil error aborts the process since shared state may be half updated.
func (b *Backend) Check(err error) error {
	if err != nil && b.critSection > 0 {
		b.abort(err)
	}
	return err
}

// SignalCatchup asks the backend to drain the invalidation queue.
func (b *Backend) SignalCatchup() {
	b.catchupPending.Store(true)
}

// TakeCatchup consumes a pending catchup signal.
func (b *Backend) TakeCatchup() bool {
	return b.catchupPending.CompareAndSwap(true, false)
}

// DelayCheckpointStart keeps checkpoints from completing until the
// matching DelayCheckpointEnd.
func (b *Backend) DelayCheckpointStart() {
	b.delayChkpt.Add(1)
}

// DelayCheckpointEnd releases a DelayCheckpointStart.
func (b *Backend) DelayCheckpointEnd() {
	if b.delayChkpt.Add(-1) < 0 {
		panic("DelayCheckpointEnd without DelayCheckpointStart")
	}
}

// DelayingCheckpoint reports whether checkpoints must wait for us.
func (b *Backend) DelayingCheckpoint() bool {
	return b.delayChkpt.Load() > 0
}

// SetLockStrategy installs the timeout and queue rank used for the next
// lock wait. A zero timeout waits forever.
func (b *Backend) SetLockStrategy(timeout time.Duration, rank float32) {
	b.lockTimeout = timeout
	b.waitRank = rank
}

func (b *Backend) LockTimeout() time.Duration { return b.lockTimeout }
func (b *Backend) WaitRank() float32          { return b.waitRank }
func (b *Backend) LockStats() *LockStats      { return &b.lockStats }
