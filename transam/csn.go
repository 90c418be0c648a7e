package transam

import "fmt"

// CSN is a commit sequence number: nanoseconds on the CSN clock for
// committed transactions, or one of the sentinels below. The zero value
// reads back from freshly zeroed log pages as in progress.
type CSN uint64

const (
	InProgressCSN  CSN = 0
	InvalidCSN     CSN = 1
	AbortedCSN     CSN = 2
	FrozenCSN      CSN = 3
	InDoubtCSN     CSN = 4
	UnclearCSN     CSN = 5
	FirstNormalCSN CSN = 6
)

func (c CSN) IsNormal() bool     { return c >= FirstNormalCSN }
func (c CSN) IsInDoubt() bool    { return c == InDoubtCSN }
func (c CSN) IsAborted() bool    { return c == AbortedCSN }
func (c CSN) IsFrozen() bool     { return c == FrozenCSN }
func (c CSN) IsInProgress() bool { return c == InProgressCSN }

func (c CSN) String() string {
	switch c {
	case InProgressCSN:
		return "in-progress"
	case InvalidCSN:
		return "invalid"
	case AbortedCSN:
		return "aborted"
	case FrozenCSN:
		return "frozen"
	case InDoubtCSN:
		return "in-doubt"
	case UnclearCSN:
		return "unclear"
	}
	return fmt.Sprintf("%d", uint64(c))
}
