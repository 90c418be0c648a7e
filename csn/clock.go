// Package csn implements commit-sequence-number snapshots: a CSN clock,
// the per-XID CSN log, the CSN to xmin map and the visibility rules for
// local and imported snapshots.
package csn

import (
	"sync/atomic"
	"time"

	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

const nsPerSec = int64(time.Second)

// Clock hands out CSNs derived from wall-clock nanoseconds. The last CSN
// handed out lives in shared memory so all backends stay monotonic.
type Clock struct {
	last  *atomic.Uint64
	shift int64
	now   func() int64
}

func newClock(last *atomic.Uint64, shift time.Duration) *Clock {
	return &Clock{
		last:  last,
		shift: int64(shift),
		now:   func() int64 { return time.Now().UnixNano() },
	}
}

// Generate returns a CSN greater than every CSN generated before it. If
// assigned is a normal CSN ahead of the clock, the result is at least
// assigned.
func (c *Clock) Generate(assigned transam.CSN) transam.CSN {
	csn := transam.CSN(c.now() + c.shift)
	if assigned.IsNormal() && assigned > csn {
		csn = assigned
	}
	for {
		last := c.last.Load()
		if uint64(csn) <= last {
			csn = transam.CSN(last + 1)
		}
		if c.last.CompareAndSwap(last, uint64(csn)) {
			break
		}
	}
	telemetry.CSNGenerated.Inc()
	telemetry.CSNLastGenerated.Set(float64(csn))
	return csn
}

// Last is the most recently generated CSN.
func (c *Clock) Last() transam.CSN {
	return transam.CSN(c.last.Load())
}

// PhysicalTime converts a normal CSN back to wall-clock time.
func (c *Clock) PhysicalTime(csn transam.CSN) time.Time {
	return time.Unix(0, int64(csn)-c.shift)
}

// atomicCSN is the shared-memory word backing a Clock.
type atomicCSN struct {
	atomic.Uint64
}
