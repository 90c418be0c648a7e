package transam

import "github.com/puzpuzpuz/xsync/v3"

// XactStatus is the commit status of one XID.
type XactStatus uint8

const (
	StatusInProgress XactStatus = iota
	StatusCommitted
	StatusAborted
	StatusSubCommitted
)

func (s XactStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusSubCommitted:
		return "subcommitted"
	}
	return "in progress"
}

// StatusLog records commit and abort outcomes.
type StatusLog struct {
	status *xsync.MapOf[TransactionID, XactStatus]
}

func NewStatusLog() *StatusLog {
	return &StatusLog{status: xsync.NewMapOf[TransactionID, XactStatus]()}
}

// SetTreeStatus records the outcome of a transaction and its subxids.
// Subxids are marked first so that a reader who sees the parent committed
// never finds a child still in progress.
func (l *StatusLog) SetTreeStatus(xid TransactionID, subxids []TransactionID, status XactStatus) {
	for _, sub := range subxids {
		if status == StatusCommitted {
			l.status.Store(sub, StatusSubCommitted)
		} else {
			l.status.Store(sub, status)
		}
	}
	l.status.Store(xid, status)
	if status == StatusCommitted {
		for _, sub := range subxids {
			l.status.Store(sub, StatusCommitted)
		}
	}
}

// Get returns the status of xid. Special XIDs report as committed, except
// InvalidTransactionID which never committed.
func (l *StatusLog) Get(xid TransactionID) XactStatus {
	switch {
	case xid == InvalidTransactionID:
		return StatusAborted
	case !xid.IsNormal():
		return StatusCommitted
	}
	s, _ := l.status.Load(xid)
	return s
}

func (l *StatusLog) DidCommit(xid TransactionID) bool { return l.Get(xid) == StatusCommitted }

func (l *StatusLog) DidAbort(xid TransactionID) bool { return l.Get(xid) == StatusAborted }

// Truncate forgets outcomes of XIDs preceding oldest.
func (l *StatusLog) Truncate(oldest TransactionID) {
	l.status.Range(func(xid TransactionID, _ XactStatus) bool {
		if Precedes(xid, oldest) {
			l.status.Delete(xid)
		}
		return true
	})
}

// SubTrans maps subtransaction XIDs to their parents.
type SubTrans struct {
	parents *xsync.MapOf[TransactionID, TransactionID]
}

func NewSubTrans() *SubTrans {
	return &SubTrans{parents: xsync.NewMapOf[TransactionID, TransactionID]()}
}

func (s *SubTrans) SetParent(xid, parent TransactionID) {
	if parent.IsValid() && xid != parent {
		s.parents.Store(xid, parent)
	}
}

// GetParent returns the parent of xid, or InvalidTransactionID for a
// top-level XID.
func (s *SubTrans) GetParent(xid TransactionID) TransactionID {
	p, _ := s.parents.Load(xid)
	return p
}

// GetTopmost follows parents up to the top-level XID.
func (s *SubTrans) GetTopmost(xid TransactionID) TransactionID {
	for {
		p, ok := s.parents.Load(xid)
		if !ok || !p.IsValid() {
			return xid
		}
		xid = p
	}
}

// Truncate forgets subxids preceding oldest.
func (s *SubTrans) Truncate(oldest TransactionID) {
	s.parents.Range(func(xid, _ TransactionID) bool {
		if Precedes(xid, oldest) {
			s.parents.Delete(xid)
		}
		return true
	})
}
