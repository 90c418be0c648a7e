package rowlock

import "github.com/maxpert/txcore/multixact"

// Mode is a tuple lock strength.
type Mode uint8

const (
	ModeKeyShare Mode = iota
	ModeShare
	ModeNoKeyExclusive
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeKeyShare:
		return "FOR KEY SHARE"
	case ModeShare:
		return "FOR SHARE"
	case ModeNoKeyExclusive:
		return "FOR NO KEY UPDATE"
	case ModeExclusive:
		return "FOR UPDATE"
	}
	return "unknown"
}

var conflictTable = [4][4]bool{
	ModeKeyShare:       {ModeExclusive: true},
	ModeShare:          {ModeNoKeyExclusive: true, ModeExclusive: true},
	ModeNoKeyExclusive: {ModeShare: true, ModeNoKeyExclusive: true, ModeExclusive: true},
	ModeExclusive:      {true, true, true, true},
}

// Conflicts reports whether holders in modes a and b must exclude each
// other.
func Conflicts(a, b Mode) bool { return conflictTable[a][b] }

// ModeOf maps a MultiXact member status to the tuple lock it holds.
func ModeOf(s multixact.MemberStatus) Mode {
	switch s {
	case multixact.StatusForKeyShare:
		return ModeKeyShare
	case multixact.StatusForShare:
		return ModeShare
	case multixact.StatusForNoKeyUpdate, multixact.StatusNoKeyUpdate:
		return ModeNoKeyExclusive
	}
	return ModeExclusive
}

// LockStatus is the MultiXact member status of a lock-only holder.
func (m Mode) LockStatus() multixact.MemberStatus {
	switch m {
	case ModeKeyShare:
		return multixact.StatusForKeyShare
	case ModeShare:
		return multixact.StatusForShare
	case ModeNoKeyExclusive:
		return multixact.StatusForNoKeyUpdate
	}
	return multixact.StatusForUpdate
}

// UpdateStatus is the member status of an updater taking the lock.
func (m Mode) UpdateStatus() multixact.MemberStatus {
	if m == ModeExclusive {
		return multixact.StatusUpdate
	}
	return multixact.StatusNoKeyUpdate
}
