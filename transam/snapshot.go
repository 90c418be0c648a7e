package transam

import "slices"

// Snapshot fixes which transactions a reader sees.
type Snapshot struct {
	// CSN is the visibility cutoff: a transaction committed with a CSN
	// below it is visible.
	CSN  CSN
	Xmin TransactionID
	Xmax TransactionID
	Xip  []TransactionID

	// XminForCSN bounds the XIDs whose CSNs are trustworthy for this
	// snapshot; older ones fall back to XID-based visibility.
	XminForCSN      TransactionID
	TransactionXmin TransactionID
	Imported        bool
}

// XidInSnapshot reports whether xid was running, or not yet started, when
// the snapshot was taken.
func (s *Snapshot) XidInSnapshot(xid TransactionID) bool {
	if Precedes(xid, s.Xmin) {
		return false
	}
	if FollowsOrEquals(xid, s.Xmax) {
		return true
	}
	return slices.Contains(s.Xip, xid)
}

// Copy returns a snapshot that shares nothing with s.
func (s *Snapshot) Copy() *Snapshot {
	c := *s
	c.Xip = slices.Clone(s.Xip)
	return &c
}
