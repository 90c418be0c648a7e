package transam

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/telemetry"
)

type xactLock struct {
	owner proc.ProcNumber
	done  chan struct{}
}

// XactLockTable holds one lock per running top-level XID, taken when the
// XID is assigned and released after the transaction's outcome is
// recorded. Waiting on it is how a backend waits for another transaction
// to finish.
type XactLockTable struct {
	locks *xsync.MapOf[TransactionID, *xactLock]
	sub   *SubTrans
}

func NewXactLockTable(sub *SubTrans) *XactLockTable {
	return &XactLockTable{locks: xsync.NewMapOf[TransactionID, *xactLock](), sub: sub}
}

// Lock takes the completion lock of xid for owner.
func (t *XactLockTable) Lock(owner proc.ProcNumber, xid TransactionID) {
	t.locks.Store(xid, &xactLock{owner: owner, done: make(chan struct{})})
}

// Unlock releases xid and wakes its waiters.
func (t *XactLockTable) Unlock(xid TransactionID) {
	if l, ok := t.locks.LoadAndDelete(xid); ok {
		close(l.done)
	}
}

// Held reports whether xid's lock is still held.
func (t *XactLockTable) Held(xid TransactionID) bool {
	_, ok := t.locks.Load(t.sub.GetTopmost(xid))
	return ok
}

// Owner returns the backend holding xid's lock.
func (t *XactLockTable) Owner(xid TransactionID) (proc.ProcNumber, bool) {
	l, ok := t.locks.Load(t.sub.GetTopmost(xid))
	if !ok {
		return proc.InvalidProcNumber, false
	}
	return l.owner, true
}

// Wait blocks until the transaction owning xid ends. A subxid is resolved
// to its top-level XID first. The wait gives up with LockNotAvailable after
// the backend's lock timeout, if one is set.
func (t *XactLockTable) Wait(ctx context.Context, b *proc.Backend, xid TransactionID) error {
	top := t.sub.GetTopmost(xid)
	l, ok := t.locks.Load(top)
	if !ok {
		return nil
	}

	start := time.Now()
	telemetry.XactLockWaits.Inc()
	b.ReportWaitStart(proc.WaitEventTransactionID)
	defer func() {
		b.ReportWaitEnd()
		telemetry.XactLockWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	var timeout <-chan time.Time
	if d := b.LockTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-l.done:
		return nil
	case <-timeout:
		telemetry.XactLockTimeouts.Inc()
		log.Debug().Uint32("xid", uint32(top)).Dur("timeout", b.LockTimeout()).Msg("Lock wait timed out")
		return pgerr.New(pgerr.LockNotAvailable, "could not obtain lock on transaction %d", top)
	case <-ctx.Done():
		return pgerr.New(pgerr.QueryCanceled, "canceling statement due to user request")
	}
}

// ConditionalWait reports whether xid has ended without blocking.
func (t *XactLockTable) ConditionalWait(xid TransactionID) bool {
	return !t.Held(xid)
}
