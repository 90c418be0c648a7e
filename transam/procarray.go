package transam

import (
	"slices"
	"sync/atomic"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/proc"
)

// ProcEntry is one backend's slot in the proc array. Fields other than
// AssignedCSN are guarded by ProcArrayLock.
type ProcEntry struct {
	Xid  TransactionID
	Xmin TransactionID
	// OriginalXmin is the xmin the backend computed locally before an
	// imported snapshot replaced Xmin.
	OriginalXmin TransactionID
	Subxids      []TransactionID
	InUse        bool

	// AssignedCSN is InProgressCSN until the transaction's commit CSN is
	// fixed, then InDoubtCSN or the CSN itself.
	AssignedCSN atomic.Uint64
}

// ProcArray tracks running transactions for snapshots and horizons.
type ProcArray struct {
	lock    *lwlock.Lock
	xids    *XidGen
	entries []ProcEntry

	// csnSnapshotXmin is the oldest xmin any snapshot with a CSN inside
	// the deferral window may need.
	csnSnapshotXmin atomic.Uint32
}

// NewProcArray sizes the array for every backend and prepared-xact slot.
func NewProcArray(locks *lwlock.Array, xids *XidGen, totalProcs int) *ProcArray {
	return &ProcArray{
		lock:    locks.Get(lwlock.ProcArrayLock),
		xids:    xids,
		entries: make([]ProcEntry, totalProcs),
	}
}

func (p *ProcArray) Lock() *lwlock.Lock { return p.lock }

// Entry returns the slot of a proc number.
func (p *ProcArray) Entry(n proc.ProcNumber) *ProcEntry {
	return &p.entries[n]
}

// AssignTransactionID gets a new XID for backend n and enters it in the
// array: as the top-level XID, or as a subxid when sub is set. ProcArrayLock
// is taken inside XidGenLock; nothing takes them in the other order.
func (p *ProcArray) AssignTransactionID(b *proc.Backend, n proc.ProcNumber, sub bool) (TransactionID, error) {
	full, err := p.xids.GetNewTransactionID(b, func(xid TransactionID) {
		p.lock.Acquire(b, lwlock.Exclusive)
		defer p.lock.Release(b)
		e := &p.entries[n]
		if sub {
			e.Subxids = append(e.Subxids, xid)
			return
		}
		e.InUse = true
		e.Xid = xid
		e.Subxids = e.Subxids[:0]
	})
	if err != nil {
		return InvalidTransactionID, err
	}
	return full.XID(), nil
}

// Remove clears the slot at transaction end; from this point readers no
// longer see the transaction as running.
func (p *ProcArray) Remove(b *proc.Backend, n proc.ProcNumber) {
	p.lock.Acquire(b, lwlock.Exclusive)
	defer p.lock.Release(b)
	e := &p.entries[n]
	e.Xid = InvalidTransactionID
	e.Xmin = InvalidTransactionID
	e.OriginalXmin = InvalidTransactionID
	e.Subxids = e.Subxids[:0]
	e.InUse = false
}

// Transfer moves the running transaction of from into the slot to, as
// two-phase prepare does for its dummy proc.
func (p *ProcArray) Transfer(b *proc.Backend, from, to proc.ProcNumber) {
	p.lock.Acquire(b, lwlock.Exclusive)
	defer p.lock.Release(b)
	src, dst := &p.entries[from], &p.entries[to]
	dst.InUse = true
	dst.Xid = src.Xid
	dst.Subxids = append(dst.Subxids[:0], src.Subxids...)
	dst.AssignedCSN.Store(src.AssignedCSN.Load())
	src.Xid = InvalidTransactionID
	src.Xmin = InvalidTransactionID
	src.OriginalXmin = InvalidTransactionID
	src.Subxids = src.Subxids[:0]
	src.InUse = false
	src.AssignedCSN.Store(uint64(InProgressCSN))
}

// GetSnapshot builds an XID snapshot for backend n and sets its xmin if
// unset.
func (p *ProcArray) GetSnapshot(b *proc.Backend, n proc.ProcNumber) *Snapshot {
	xmax := p.xids.ReadNextFullTransactionID(b).XID()

	p.lock.Acquire(b, lwlock.Exclusive)
	defer p.lock.Release(b)
	xmin := xmax
	var xip []TransactionID
	for i := range p.entries {
		e := &p.entries[i]
		if !e.InUse || !e.Xid.IsNormal() || proc.ProcNumber(i) == n {
			continue
		}
		if FollowsOrEquals(e.Xid, xmax) {
			continue
		}
		xip = append(xip, e.Xid)
		xip = append(xip, e.Subxids...)
		if Precedes(e.Xid, xmin) {
			xmin = e.Xid
		}
	}
	self := &p.entries[n]
	if !self.Xmin.IsValid() {
		self.Xmin = xmin
		self.OriginalXmin = xmin
	}
	slices.Sort(xip)
	return &Snapshot{
		Xmin:            xmin,
		Xmax:            xmax,
		Xip:             xip,
		TransactionXmin: self.Xmin,
	}
}

// SetImportedXmin replaces the backend's xmin with an imported one while
// keeping the locally computed OriginalXmin.
func (p *ProcArray) SetImportedXmin(b *proc.Backend, n proc.ProcNumber, xmin TransactionID) {
	p.lock.Acquire(b, lwlock.Exclusive)
	defer p.lock.Release(b)
	e := &p.entries[n]
	if !e.OriginalXmin.IsValid() {
		e.OriginalXmin = e.Xmin
	}
	e.Xmin = xmin
}

// ClearXmin drops the backend's snapshot horizon.
func (p *ProcArray) ClearXmin(b *proc.Backend, n proc.ProcNumber) {
	p.lock.Acquire(b, lwlock.Exclusive)
	defer p.lock.Release(b)
	p.entries[n].Xmin = InvalidTransactionID
	p.entries[n].OriginalXmin = InvalidTransactionID
}

// OldestXmin computes the horizon below which no running transaction or
// snapshot needs old row versions. With nonImported, backends' original
// xmins stand in for imported ones and the CSN deferral horizon is
// ignored.
func (p *ProcArray) OldestXmin(b *proc.Backend, nonImported bool) TransactionID {
	result := p.xids.ReadNextFullTransactionID(b).XID()

	p.lock.Acquire(b, lwlock.Shared)
	defer p.lock.Release(b)
	for i := range p.entries {
		e := &p.entries[i]
		if e.Xid.IsNormal() && Precedes(e.Xid, result) {
			result = e.Xid
		}
		xmin := e.Xmin
		if nonImported && e.OriginalXmin.IsValid() {
			xmin = e.OriginalXmin
		}
		if xmin.IsNormal() && Precedes(xmin, result) {
			result = xmin
		}
	}
	if !nonImported {
		if deferred := TransactionID(p.csnSnapshotXmin.Load()); deferred.IsNormal() && Precedes(deferred, result) {
			result = deferred
		}
	}
	return result
}

// IsInProgress reports whether xid, a top-level XID or subxid, belongs to
// a running transaction.
func (p *ProcArray) IsInProgress(b *proc.Backend, xid TransactionID) bool {
	if !xid.IsNormal() {
		return false
	}
	p.lock.Acquire(b, lwlock.Shared)
	defer p.lock.Release(b)
	for i := range p.entries {
		e := &p.entries[i]
		if !e.InUse {
			continue
		}
		if e.Xid == xid || slices.Contains(e.Subxids, xid) {
			return true
		}
	}
	return false
}

// SetCSNSnapshotXmin publishes the CSN deferral horizon.
func (p *ProcArray) SetCSNSnapshotXmin(xid TransactionID) {
	p.csnSnapshotXmin.Store(uint32(xid))
}

func (p *ProcArray) CSNSnapshotXmin() TransactionID {
	return TransactionID(p.csnSnapshotXmin.Load())
}

// Running counts in-use slots.
func (p *ProcArray) Running(b *proc.Backend) int {
	p.lock.Acquire(b, lwlock.Shared)
	defer p.lock.Release(b)
	n := 0
	for i := range p.entries {
		if p.entries[i].InUse && p.entries[i].Xid.IsValid() {
			n++
		}
	}
	return n
}
