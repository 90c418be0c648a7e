// Package rowlock locks tuples on behalf of transactions. A tuple locked by
// one transaction records that XID; further compatible lockers share it
// through a MultiXact. Waiters block on the holders' transaction locks.
package rowlock

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lockpolicy"
	"github.com/maxpert/txcore/multixact"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

const numShards = 64

// TupleID locates a tuple.
type TupleID struct {
	Rel    uint32 `json:"rel"`
	Block  uint32 `json:"block"`
	Offset uint16 `json:"offset"`
}

func (t TupleID) hash() uint64 { return lockpolicy.HashTuple(t.Rel, t.Block, t.Offset) }

// WaitPolicy says what to do when the tuple is locked in a conflicting
// mode.
type WaitPolicy uint8

const (
	Block WaitPolicy = iota
	NoWait
	SkipLocked
)

// Holder is the lock word of a tuple: one XID, or a MultiXact.
type Holder struct {
	Xid   transam.TransactionID `json:"xid,omitempty"`
	Mode  Mode                  `json:"mode"`
	Multi transam.MultiXactID   `json:"multi,omitempty"`
}

// IsMulti reports whether the holder is a MultiXact.
func (h Holder) IsMulti() bool { return h.Multi.IsValid() }

// Deps are the structures the table consults.
type Deps struct {
	ProcArray *transam.ProcArray
	XactLocks *transam.XactLockTable
	MultiXact *multixact.Manager
	// Policy is optional.
	Policy *lockpolicy.Hook
}

// Table holds the tuple locks of every relation.
type Table struct {
	deps   Deps
	shards [numShards]sync.Mutex

	// rels: relation → (tuple → holder)
	rels *xsync.MapOf[uint32, *xsync.MapOf[TupleID, Holder]]
	// byXact: reverse index xid → tuples it locked
	byXact *xsync.MapOf[transam.TransactionID, *xsync.MapOf[TupleID, struct{}]]
}

// NewTable creates an empty lock table.
func NewTable(deps Deps) *Table {
	return &Table{
		deps:   deps,
		rels:   xsync.NewMapOf[uint32, *xsync.MapOf[TupleID, Holder]](),
		byXact: xsync.NewMapOf[transam.TransactionID, *xsync.MapOf[TupleID, struct{}]](),
	}
}

func (t *Table) rows(rel uint32) *xsync.MapOf[TupleID, Holder] {
	rows, _ := t.rels.LoadOrCompute(rel, func() *xsync.MapOf[TupleID, Holder] {
		return xsync.NewMapOf[TupleID, Holder]()
	})
	return rows
}

func (t *Table) track(xid transam.TransactionID, tid TupleID) {
	set, _ := t.byXact.LoadOrCompute(xid, func() *xsync.MapOf[TupleID, struct{}] {
		return xsync.NewMapOf[TupleID, struct{}]()
	})
	set.Store(tid, struct{}{})
}

func op(mode Mode) uint8 {
	if mode >= ModeNoKeyExclusive {
		return lockpolicy.OpWrite
	}
	return lockpolicy.OpRead
}

// Lock takes a lock on tid in mode for xid, the caller's transaction. It
// returns false only under SkipLocked when the tuple is locked in a
// conflicting mode. Blocking waits honor ctx and the backend's lock
// timeout.
func (t *Table) Lock(ctx context.Context, b *proc.Backend, xid transam.TransactionID, tid TupleID, mode Mode, wait WaitPolicy) (bool, error) {
	if !xid.IsValid() {
		return false, pgerr.New(pgerr.InvalidParameterValue, "cannot lock a tuple without a transaction ID")
	}
	h := tid.hash()
	t.deps.MultiXact.SetOldestMember(b)
	if t.deps.Policy != nil {
		t.deps.Policy.ReportIntention(b, uint32(xid), h, op(mode))
	}

	for {
		if err := b.CheckForInterrupts(); err != nil {
			return false, err
		}
		acquired, holder, err := t.tryLock(b, xid, tid, h, mode)
		if err != nil || acquired {
			return acquired, err
		}

		telemetry.RowLocks.With("conflict").Inc()
		if t.deps.Policy != nil {
			t.deps.Policy.ReportConflict(b, h)
		}
		switch wait {
		case NoWait:
			return false, pgerr.New(pgerr.LockNotAvailable, "could not obtain lock on row in relation %d", tid.Rel)
		case SkipLocked:
			return false, nil
		}
		if t.deps.Policy != nil {
			t.deps.Policy.RefreshLockStrategy(b)
		}
		if err := t.waitFor(ctx, b, holder, mode); err != nil {
			return false, err
		}
	}
}

func (t *Table) waitFor(ctx context.Context, b *proc.Backend, holder Holder, mode Mode) error {
	if holder.IsMulti() {
		return t.deps.MultiXact.Wait(ctx, b, holder.Multi, func(s multixact.MemberStatus) bool {
			return Conflicts(ModeOf(s), mode)
		})
	}
	return t.deps.XactLocks.Wait(ctx, b, holder.Xid)
}

// tryLock acquires the lock if nothing conflicts. Otherwise it returns the
// holder to wait for.
func (t *Table) tryLock(b *proc.Backend, xid transam.TransactionID, tid TupleID, h uint64, mode Mode) (bool, Holder, error) {
	shard := &t.shards[h%numShards]
	shard.Lock()
	defer shard.Unlock()

	rows := t.rows(tid.Rel)
	cur, locked := rows.Load(tid)
	if locked && !cur.IsMulti() && cur.Xid != xid && !t.deps.ProcArray.IsInProgress(b, cur.Xid) {
		locked = false
	}
	if !locked {
		rows.Store(tid, Holder{Xid: xid, Mode: mode})
		t.track(xid, tid)
		telemetry.RowLocks.With("single").Inc()
		return true, Holder{}, nil
	}

	if !cur.IsMulti() {
		if cur.Xid == xid {
			if mode > cur.Mode {
				rows.Store(tid, Holder{Xid: xid, Mode: mode})
			}
			telemetry.RowLocks.With("relock").Inc()
			return true, Holder{}, nil
		}
		if Conflicts(cur.Mode, mode) {
			return false, cur, nil
		}
		multi, err := t.deps.MultiXact.Create(b, cur.Xid, cur.Mode.LockStatus(), xid, mode.LockStatus())
		if err != nil {
			return false, Holder{}, err
		}
		rows.Store(tid, Holder{Multi: multi, Mode: max(cur.Mode, mode)})
		t.track(xid, tid)
		telemetry.RowLocks.With("multixact_create").Inc()
		return true, Holder{}, nil
	}

	members, err := t.deps.MultiXact.GetMembers(b, cur.Multi, false)
	if err != nil {
		return false, Holder{}, err
	}
	strongest := mode
	for _, m := range members {
		if m.Xid == xid || !t.deps.ProcArray.IsInProgress(b, m.Xid) {
			continue
		}
		if Conflicts(ModeOf(m.Status), mode) {
			return false, cur, nil
		}
		strongest = max(strongest, ModeOf(m.Status))
	}
	multi, err := t.deps.MultiXact.Expand(b, cur.Multi, xid, mode.LockStatus())
	if err != nil {
		return false, Holder{}, err
	}
	rows.Store(tid, Holder{Multi: multi, Mode: strongest})
	t.track(xid, tid)
	telemetry.RowLocks.With("multixact_expand").Inc()
	return true, Holder{}, nil
}

// Holder returns the lock word of tid.
func (t *Table) Holder(tid TupleID) (Holder, bool) {
	rows, ok := t.rels.Load(tid.Rel)
	if !ok {
		return Holder{}, false
	}
	return rows.Load(tid)
}

// Lockers lists the transactions holding tid and their modes, resolving a
// MultiXact to its members.
func (t *Table) Lockers(b *proc.Backend, tid TupleID) ([]multixact.Member, error) {
	h, ok := t.Holder(tid)
	if !ok {
		return nil, nil
	}
	if !h.IsMulti() {
		return []multixact.Member{{Xid: h.Xid, Status: h.Mode.LockStatus()}}, nil
	}
	return t.deps.MultiXact.GetMembers(b, h.Multi, false)
}

// ReleaseXact drops the locks xid holds alone and the MultiXact lock words
// with no running member left. Call it after xid left the proc array.
func (t *Table) ReleaseXact(b *proc.Backend, xid transam.TransactionID) {
	set, ok := t.byXact.LoadAndDelete(xid)
	if !ok {
		return
	}
	set.Range(func(tid TupleID, _ struct{}) bool {
		t.release(b, tid, xid)
		return true
	})
}

func (t *Table) release(b *proc.Backend, tid TupleID, xid transam.TransactionID) {
	shard := &t.shards[tid.hash()%numShards]
	shard.Lock()
	defer shard.Unlock()

	rows, ok := t.rels.Load(tid.Rel)
	if !ok {
		return
	}
	cur, ok := rows.Load(tid)
	if !ok {
		return
	}
	if !cur.IsMulti() {
		if cur.Xid == xid {
			rows.Delete(tid)
		}
		return
	}
	running, err := t.deps.MultiXact.IsRunning(b, cur.Multi, true)
	if err != nil {
		log.Warn().Err(err).Uint32("multi", uint32(cur.Multi)).Msg("Could not check multixact on lock release")
		return
	}
	if !running {
		rows.Delete(tid)
	}
}

// ReleaseByRelation drops every lock on rel.
func (t *Table) ReleaseByRelation(rel uint32) {
	rows, ok := t.rels.LoadAndDelete(rel)
	if !ok {
		return
	}
	rows.Range(func(tid TupleID, _ Holder) bool {
		t.byXact.Range(func(_ transam.TransactionID, set *xsync.MapOf[TupleID, struct{}]) bool {
			set.Delete(tid)
			return true
		})
		return true
	})
}

// LocksByXact lists the tuples xid has locked.
func (t *Table) LocksByXact(xid transam.TransactionID) []TupleID {
	set, ok := t.byXact.Load(xid)
	if !ok {
		return nil
	}
	var out []TupleID
	set.Range(func(tid TupleID, _ struct{}) bool {
		out = append(out, tid)
		return true
	})
	return out
}

// HasLocksForRelation reports whether any tuple of rel is locked.
func (t *Table) HasLocksForRelation(rel uint32) bool {
	rows, ok := t.rels.Load(rel)
	return ok && rows.Size() > 0
}

// Len is the number of locked tuples.
func (t *Table) Len() int {
	n := 0
	t.rels.Range(func(_ uint32, rows *xsync.MapOf[TupleID, Holder]) bool {
		n += rows.Size()
		return true
	})
	return n
}

// OldestMulti is the oldest MultiXactId still recorded as a tuple's
// holder, or InvalidMultiXactID if no tuple is held by a MultiXact.
func (t *Table) OldestMulti() transam.MultiXactID {
	oldest := transam.InvalidMultiXactID
	t.rels.Range(func(_ uint32, rows *xsync.MapOf[TupleID, Holder]) bool {
		rows.Range(func(_ TupleID, h Holder) bool {
			if h.IsMulti() && (!oldest.IsValid() || transam.MultiXactPrecedes(h.Multi, oldest)) {
				oldest = h.Multi
			}
			return true
		})
		return true
	})
	return oldest
}
