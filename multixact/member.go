// Package multixact keeps the registry of MultiXactIds: groups of
// transactions that hold a lock on the same row. Member arrays are stored
// in two SLRUs, offsets and members, and survive crashes through WAL.
package multixact

import (
	"fmt"
	"strings"

	"github.com/maxpert/txcore/transam"
)

// MemberStatus is the lock mode a member holds.
type MemberStatus uint8

const (
	StatusForKeyShare MemberStatus = iota
	StatusForShare
	StatusForNoKeyUpdate
	StatusForUpdate
	// Updater statuses. A MultiXact has at most one.
	StatusNoKeyUpdate
	StatusUpdate
)

// IsUpdate reports whether s modifies the row rather than only locking it.
func (s MemberStatus) IsUpdate() bool { return s > StatusForUpdate }

func (s MemberStatus) String() string {
	switch s {
	case StatusForKeyShare:
		return "keysh"
	case StatusForShare:
		return "sh"
	case StatusForNoKeyUpdate:
		return "fornokeyupd"
	case StatusForUpdate:
		return "forupd"
	case StatusNoKeyUpdate:
		return "nokeyupd"
	case StatusUpdate:
		return "upd"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Member is one transaction of a MultiXact.
type Member struct {
	Xid    transam.TransactionID `msgpack:"x"`
	Status MemberStatus          `msgpack:"s"`
}

func (m Member) String() string {
	return fmt.Sprintf("%d (%s)", m.Xid, m.Status)
}

func compareMembers(a, b Member) int {
	switch {
	case a.Xid < b.Xid:
		return -1
	case a.Xid > b.Xid:
		return 1
	}
	return int(a.Status) - int(b.Status)
}

func membersString(multi transam.MultiXactID, members []Member) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %d[", multi, len(members))
	for i, m := range members {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(m.String())
	}
	sb.WriteByte(']')
	return sb.String()
}
