package lockpolicy

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/spin"
	"github.com/maxpert/txcore/telemetry"
)

// Counter layout in shared memory.
const (
	NumSlots = 1024
	NumLocks = 16
)

type slot struct {
	Conflicts  uint64
	Intentions [2]uint64
}

type sharedCounters struct {
	Locks [NumLocks]uint32
	Slots [NumSlots]slot
}

// SlotCounts is a copy of one counter slot.
type SlotCounts struct {
	Conflicts uint64
	Reads     uint64
	Writes    uint64
}

// Hook applies a policy to backends and keeps shared per-tuple counters.
type Hook struct {
	policy atomic.Pointer[Policy]
	shared *sharedCounters
	// resetLock is held shared by reporters and exclusive by Reset.
	resetLock *lwlock.Lock
}

// HashTuple hashes a tuple's location.
func HashTuple(rel, block uint32, offset uint16) uint64 {
	var buf [10]byte
	binary.LittleEndian.PutUint32(buf[0:], rel)
	binary.LittleEndian.PutUint32(buf[4:], block)
	binary.LittleEndian.PutUint16(buf[8:], offset)
	return xxhash.Sum64(buf[:])
}

// NewHook attaches the shared counters in seg. A nil policy is
// DefaultPolicy.
func NewHook(seg *shmem.Segment, locks *lwlock.Array, p *Policy) (*Hook, error) {
	shared, found, err := shmem.InitStruct[sharedCounters](seg, "LockPolicy Counters")
	if err != nil {
		return nil, err
	}
	tranche, err := locks.Tranche(lwlock.TrancheLockPolicy, 1)
	if err != nil {
		return nil, err
	}
	if !found {
		for i := range shared.Locks {
			spin.At(&shared.Locks[i]).Init()
		}
	}
	h := &Hook{shared: shared, resetLock: tranche[0]}
	h.SetPolicy(p)
	return h, nil
}

// SetPolicy swaps the policy used by later refreshes.
func (h *Hook) SetPolicy(p *Policy) {
	if p == nil {
		p = DefaultPolicy()
	}
	h.policy.Store(p)
}

// Policy returns the current policy.
func (h *Hook) Policy() *Policy { return h.policy.Load() }

// RefreshLockStrategy sets b's lock wait timeout and rank for its next
// lock acquisition from its current transaction's state.
func (h *Hook) RefreshLockStrategy(b *proc.Backend) Entry {
	st := b.LockStats()
	e := h.policy.Load().Lookup(EncodeState(st.Op, st.Reads, st.Writes))
	b.SetLockStrategy(e.Timeout, e.Rank)
	return e
}

func (h *Hook) bump(b *proc.Backend, hash uint64, fn func(*slot)) {
	idx := hash % NumSlots
	h.resetLock.Acquire(b, lwlock.Shared)
	l := spin.At(&h.shared.Locks[idx%NumLocks])
	l.Lock()
	fn(&h.shared.Slots[idx])
	l.Unlock()
	h.resetLock.Release(b)
}

// ReportIntention records that xid is about to lock the tuple with the
// given hash for op. The backend's per-transaction stats restart when xid
// changes.
func (h *Hook) ReportIntention(b *proc.Backend, xid uint32, hash uint64, op uint8) {
	st := b.LockStats()
	if st.Xid != xid {
		st.Reset(xid)
	}
	st.Op = op & 1
	if st.Op == OpWrite {
		st.Writes++
	} else {
		st.Reads++
	}
	h.bump(b, hash, func(s *slot) { s.Intentions[op&1]++ })
	if op&1 == OpWrite {
		telemetry.LockPolicyIntentions.With("write").Inc()
	} else {
		telemetry.LockPolicyIntentions.With("read").Inc()
	}
}

// ReportConflict records that a lock on the tuple had to wait.
func (h *Hook) ReportConflict(b *proc.Backend, hash uint64) {
	h.bump(b, hash, func(s *slot) { s.Conflicts++ })
	telemetry.LockPolicyConflicts.Inc()
}

// Counts reads the slot the hash maps to.
func (h *Hook) Counts(hash uint64) SlotCounts {
	idx := hash % NumSlots
	l := spin.At(&h.shared.Locks[idx%NumLocks])
	l.Lock()
	s := h.shared.Slots[idx]
	l.Unlock()
	return SlotCounts{Conflicts: s.Conflicts, Reads: s.Intentions[OpRead], Writes: s.Intentions[OpWrite]}
}

// Totals sums every slot.
func (h *Hook) Totals() SlotCounts {
	var t SlotCounts
	for i := range h.shared.Slots {
		l := spin.At(&h.shared.Locks[i%NumLocks])
		l.Lock()
		s := h.shared.Slots[i]
		l.Unlock()
		t.Conflicts += s.Conflicts
		t.Reads += s.Intentions[OpRead]
		t.Writes += s.Intentions[OpWrite]
	}
	return t
}

// Reset zeroes every counter.
func (h *Hook) Reset(b *proc.Backend) {
	h.resetLock.Acquire(b, lwlock.Exclusive)
	defer h.resetLock.Release(b)
	for i := range h.shared.Slots {
		h.shared.Slots[i] = slot{}
	}
}
