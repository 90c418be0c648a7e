package lwlock

import (
	"sync"

	"github.com/maxpert/txcore/pgerr"
)

// TrancheID identifies a group of locks sharing a name in wait events.
type TrancheID uint16

// Individual locks. Each is its own tranche.
const (
	ShmemIndexLock TrancheID = iota
	XidGenLock
	ProcArrayLock
	SInvalLock
	MultiXactGenLock
	MultiXactTruncationLock
	CSNSnapshotXidMapLock
	CSNLogTruncationLock
	WaitEventCustomLock
	RelCacheInitLock
	NumIndividualLocks
)

// Built-in tranches with several locks each.
const (
	TrancheMultiXactOffsetSLRU TrancheID = iota + NumIndividualLocks
	TrancheMultiXactMemberSLRU
	TrancheCSNLogSLRU
	TrancheLockPolicy
	TrancheFirstUserDefined
)

var individualNames = [...]string{
	ShmemIndexLock:          "ShmemIndex",
	XidGenLock:              "XidGen",
	ProcArrayLock:           "ProcArray",
	SInvalLock:              "SInval",
	MultiXactGenLock:        "MultiXactGen",
	MultiXactTruncationLock: "MultiXactTruncation",
	CSNSnapshotXidMapLock:   "CSNSnapshotXidMap",
	CSNLogTruncationLock:    "CSNLogTruncation",
	WaitEventCustomLock:     "WaitEventCustom",
	RelCacheInitLock:        "RelCacheInit",
}

// BuiltinTrancheName names tranches known at compile time. The empty
// string means the tranche is user defined.
func BuiltinTrancheName(id TrancheID) string {
	switch {
	case id < NumIndividualLocks:
		return individualNames[id]
	case id == TrancheMultiXactOffsetSLRU:
		return "MultiXactOffsetSLRU"
	case id == TrancheMultiXactMemberSLRU:
		return "MultiXactMemberSLRU"
	case id == TrancheCSNLogSLRU:
		return "CSNLogSLRU"
	case id == TrancheLockPolicy:
		return "LockPolicy"
	}
	return ""
}

// Array holds every lock in shared state: the individual locks plus
// tranches registered by subsystems at startup.
type Array struct {
	individual [NumIndividualLocks]*Lock

	mu       sync.Mutex
	tranches map[string]*tranche
	byID     map[TrancheID]*tranche
	nextID   TrancheID
}

type tranche struct {
	id    TrancheID
	name  string
	locks []*Lock
}

// NewArray creates the individual locks.
func NewArray() *Array {
	a := &Array{
		tranches: make(map[string]*tranche),
		byID:     make(map[TrancheID]*tranche),
		nextID:   TrancheFirstUserDefined,
	}
	for id := TrancheID(0); id < NumIndividualLocks; id++ {
		a.individual[id] = NewLock(id, individualNames[id])
	}
	return a
}

// Get returns an individual lock.
func (a *Array) Get(id TrancheID) *Lock {
	return a.individual[id]
}

// Tranche returns the n locks of a built-in tranche, creating them on
// first use. Later calls must ask for the same count.
func (a *Array) Tranche(id TrancheID, n int) ([]*Lock, error) {
	name := BuiltinTrancheName(id)
	if name == "" || id < NumIndividualLocks {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "%d is not a built-in LWLock tranche", id)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.byID[id]; ok {
		return t.check(n)
	}
	return a.create(id, name, n)
}

// NamedTranche registers or finds a user-defined tranche by name.
func (a *Array) NamedTranche(name string, n int) ([]*Lock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tranches[name]; ok {
		return t.check(n)
	}
	id := a.nextID
	locks, err := a.create(id, name, n)
	if err == nil {
		a.nextID++
	}
	return locks, err
}

func (t *tranche) check(n int) ([]*Lock, error) {
	if len(t.locks) != n {
		return nil, pgerr.New(pgerr.InvalidParameterValue,
			"LWLock tranche %q already has %d locks, requested %d", t.name, len(t.locks), n)
	}
	return t.locks, nil
}

func (a *Array) create(id TrancheID, name string, n int) ([]*Lock, error) {
	if n <= 0 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "LWLock tranche %q needs at least one lock", name)
	}
	t := &tranche{id: id, name: name, locks: make([]*Lock, n)}
	for i := range t.locks {
		t.locks[i] = NewLock(id, name)
	}
	a.tranches[name] = t
	a.byID[id] = t
	return t.locks, nil
}

// TrancheName names any tranche known to the array.
func (a *Array) TrancheName(id TrancheID) string {
	if name := BuiltinTrancheName(id); name != "" {
		return name
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.byID[id]; ok {
		return t.name
	}
	return "extension"
}

// NumLocks counts every lock in the array.
func (a *Array) NumLocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := int(NumIndividualLocks)
	for _, t := range a.tranches {
		n += len(t.locks)
	}
	return n
}
