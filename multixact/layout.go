package multixact

import (
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/transam"
)

// Offsets space: one 64-bit start offset per MultiXactId.
const (
	offsetSize     = 8
	offsetsPerPage = slru.BlockSize / offsetSize
)

// Members space: groups of four members, each group a word of flag bytes
// followed by four XIDs.
const (
	bitsPerMember    = 8
	flagBytesPerGrp  = 4
	membersPerGroup  = flagBytesPerGrp * 8 / bitsPerMember
	groupSize        = flagBytesPerGrp + membersPerGroup*4
	groupsPerPage    = slru.BlockSize / groupSize
	membersPerPage   = groupsPerPage * membersPerGroup
	memberStatusMask = 1<<bitsPerMember - 1
)

// Members-space pressure thresholds for MemberFreezeThreshold.
const (
	memberSafeThreshold   = 2_000_000_000
	memberDangerThreshold = 4_000_000_000
)

func offsetPage(multi transam.MultiXactID) int64 { return int64(multi) / offsetsPerPage }
func offsetEntry(multi transam.MultiXactID) int  { return int(multi) % offsetsPerPage * offsetSize }

func memberPage(off transam.MultiXactOffset) int64 { return int64(off / membersPerPage) }

// flagsOffset is the byte position of the group's flag word in its page.
func flagsOffset(off transam.MultiXactOffset) int {
	group := off / membersPerGroup
	return int(group%groupsPerPage) * groupSize
}

func flagsShift(off transam.MultiXactOffset) uint {
	return uint(off%membersPerGroup) * bitsPerMember
}

func memberOffset(off transam.MultiXactOffset) int {
	return flagsOffset(off) + flagBytesPerGrp + int(off%membersPerGroup)*4
}

// offsetPagePrecedes compares offsets pages in MultiXactId order.
func offsetPagePrecedes(a, b int64) bool {
	ma := transam.MultiXactID(a*offsetsPerPage) + transam.FirstMultiXactID + 1
	mb := transam.MultiXactID(b*offsetsPerPage) + transam.FirstMultiXactID + 1
	return transam.MultiXactPrecedes(ma, mb) && transam.MultiXactPrecedes(ma, mb+offsetsPerPage-1)
}

// Member offsets never wrap.
func memberPagePrecedes(a, b int64) bool { return a < b }
