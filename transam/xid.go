// Package transam holds the transaction identifiers and the bookkeeping
// shared by the visibility and locking subsystems: XID assignment, the
// running-transaction array, commit status, subtransaction parents and
// XID-completion locks.
package transam

import "fmt"

// TransactionID is a 32-bit circular transaction identifier.
type TransactionID uint32

const (
	InvalidTransactionID     TransactionID = 0
	BootstrapTransactionID   TransactionID = 1
	FrozenTransactionID      TransactionID = 2
	FirstNormalTransactionID TransactionID = 3
	MaxTransactionID         TransactionID = 0xFFFFFFFF
)

func (x TransactionID) IsValid() bool  { return x != InvalidTransactionID }
func (x TransactionID) IsNormal() bool { return x >= FirstNormalTransactionID }

func (x TransactionID) String() string { return fmt.Sprintf("%d", uint32(x)) }

// Next returns the XID after x, skipping the special values on wrap.
func (x TransactionID) Next() TransactionID {
	x++
	if x < FirstNormalTransactionID {
		x = FirstNormalTransactionID
	}
	return x
}

// Retreat steps back n normal XIDs.
func (x TransactionID) Retreat(n uint32) TransactionID {
	x -= TransactionID(n)
	if x < FirstNormalTransactionID {
		x -= FirstNormalTransactionID
	}
	return x
}

// Precedes compares in circular order; special XIDs order before all
// normal ones.
func Precedes(a, b TransactionID) bool {
	if !a.IsNormal() || !b.IsNormal() {
		return a < b
	}
	return int32(a-b) < 0
}

func PrecedesOrEquals(a, b TransactionID) bool {
	if !a.IsNormal() || !b.IsNormal() {
		return a <= b
	}
	return int32(a-b) <= 0
}

func Follows(a, b TransactionID) bool { return Precedes(b, a) }

func FollowsOrEquals(a, b TransactionID) bool { return PrecedesOrEquals(b, a) }

// Older returns whichever of a and b precedes; invalid XIDs are ignored.
func Older(a, b TransactionID) TransactionID {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() || Precedes(a, b) {
		return a
	}
	return b
}

// FullTransactionID pairs an XID with its epoch and never wraps.
type FullTransactionID uint64

func FullFromEpochAndXid(epoch uint32, xid TransactionID) FullTransactionID {
	return FullTransactionID(uint64(epoch)<<32 | uint64(xid))
}

func (f FullTransactionID) XID() TransactionID { return TransactionID(f) }
func (f FullTransactionID) Epoch() uint32      { return uint32(f >> 32) }

// Next advances to the next normal full XID.
func (f FullTransactionID) Next() FullTransactionID {
	f++
	for f.XID() < FirstNormalTransactionID {
		f++
	}
	return f
}

// MultiXactID names a group of transactions sharing a row lock. It wraps
// like an XID, but only zero is special.
type MultiXactID uint32

const (
	InvalidMultiXactID MultiXactID = 0
	FirstMultiXactID   MultiXactID = 1
	MaxMultiXactID     MultiXactID = 0xFFFFFFFF
)

func (m MultiXactID) IsValid() bool { return m != InvalidMultiXactID }

// Next returns the MXID after m, skipping zero.
func (m MultiXactID) Next() MultiXactID {
	m++
	if m < FirstMultiXactID {
		m = FirstMultiXactID
	}
	return m
}

func MultiXactPrecedes(a, b MultiXactID) bool { return int32(a-b) < 0 }

func MultiXactPrecedesOrEquals(a, b MultiXactID) bool { return int32(a-b) <= 0 }

// MultiXactOffset indexes the members space; 64 bits, never wraps.
type MultiXactOffset uint64
