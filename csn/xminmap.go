package csn

import (
	"sync/atomic"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

type xminMapShared struct {
	LastCSNSeconds atomic.Int64
	Head           int64
}

// xminMap remembers, for each of the last size seconds of CSN time, the
// oldest xmin in effect at that second.
type xminMap struct {
	lock   *lwlock.Lock
	shared *xminMapShared
	ring   []transam.TransactionID
	size   int64
}

func newXminMap(seg *shmem.Segment, locks *lwlock.Array, seconds int) (*xminMap, error) {
	shared, _, err := shmem.InitStruct[xminMapShared](seg, "CSNSnapshotXidMap")
	if err != nil {
		return nil, err
	}
	ring, _, err := shmem.InitSlice[transam.TransactionID](seg, "CSNSnapshotXidMap Ring", seconds)
	if err != nil {
		return nil, err
	}
	return &xminMap{
		lock:   locks.Get(lwlock.CSNSnapshotXidMapLock),
		shared: shared,
		ring:   ring,
		size:   int64(seconds),
	}, nil
}

// record stores oldest for the second after csn and returns the xmin at
// the far end of the window, or InvalidTransactionID if nothing moved.
// oldest is only computed when the map actually advances, and under the
// exclusive lock so a later second never gets an older horizon.
func (m *xminMap) record(b *proc.Backend, csn transam.CSN, oldest func() transam.TransactionID) transam.TransactionID {
	seconds := int64(csn)/nsPerSec + 1
	if seconds <= m.shared.LastCSNSeconds.Load() {
		return transam.InvalidTransactionID
	}

	m.lock.Acquire(b, lwlock.Exclusive)
	defer m.lock.Release(b)

	last := m.shared.LastCSNSeconds.Load()
	if seconds <= last {
		return transam.InvalidTransactionID
	}
	current := oldest()
	m.shared.LastCSNSeconds.Store(seconds)

	gap := seconds - last
	if gap > m.size {
		gap = m.size
	}
	previous := m.ring[m.shared.Head]
	if last == 0 {
		// Nothing older than the current horizon exists yet.
		previous = current
	}
	offset := seconds % m.size
	m.shared.Head = offset
	m.ring[offset] = current
	for i := int64(1); i < gap; i++ {
		offset = (offset + m.size - 1) % m.size
		m.ring[offset] = previous
	}
	telemetry.CSNXminMapHead.Set(float64(seconds))

	// The oldest second still in the window bounds what any snapshot the
	// map can resolve may need.
	oldestSecond := seconds - m.size + 1
	if oldestSecond <= 0 {
		return transam.InvalidTransactionID
	}
	return m.lookupLocked(oldestSecond)
}

// lookup returns the xmin recorded for csn's second: the newest entry if
// csn is ahead of the map, InvalidTransactionID if it has fallen out of
// the window.
func (m *xminMap) lookup(b *proc.Backend, csn transam.CSN) transam.TransactionID {
	m.lock.Acquire(b, lwlock.Shared)
	defer m.lock.Release(b)
	return m.lookupLocked(int64(csn) / nsPerSec)
}

func (m *xminMap) lookupLocked(seconds int64) transam.TransactionID {
	last := m.shared.LastCSNSeconds.Load()
	switch {
	case seconds > last:
		return m.ring[m.shared.Head]
	case last-seconds < m.size:
		return m.ring[seconds%m.size]
	}
	return transam.InvalidTransactionID
}

// headSecond is the newest second recorded.
func (m *xminMap) headSecond() int64 {
	return m.shared.LastCSNSeconds.Load()
}
