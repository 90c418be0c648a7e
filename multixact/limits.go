package multixact

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

const (
	multiStopMargin = 3_000_000
	multiWarnMargin = 40_000_000
)

// Stats is a consistent copy of the shared counters and limits.
type Stats struct {
	NextMXact         transam.MultiXactID     `json:"next_multixact_id"`
	NextOffset        transam.MultiXactOffset `json:"next_offset"`
	OldestMultiXactID transam.MultiXactID     `json:"oldest_multixact_id"`
	OldestMultiXactDB uint32                  `json:"oldest_multixact_db"`
	OldestOffset      transam.MultiXactOffset `json:"oldest_offset"`
	MembersInUse      uint64                  `json:"members_in_use"`
	VacLimit          transam.MultiXactID     `json:"vac_limit"`
	WarnLimit         transam.MultiXactID     `json:"warn_limit"`
	StopLimit         transam.MultiXactID     `json:"stop_limit"`
	WrapLimit         transam.MultiXactID     `json:"wrap_limit"`
}

// Stats reports the current counters.
func (m *Manager) Stats(b *proc.Backend) Stats {
	m.genLock.Acquire(b, lwlock.Shared)
	defer m.genLock.Release(b)
	s := m.shared
	st := Stats{
		NextMXact:         s.NextMXact,
		NextOffset:        s.NextOffset,
		OldestMultiXactID: s.OldestMultiXactID,
		OldestMultiXactDB: s.OldestMultiXactDB,
		OldestOffset:      s.OldestOffset,
		VacLimit:          s.VacLimit,
		WarnLimit:         s.WarnLimit,
		StopLimit:         s.StopLimit,
		WrapLimit:         s.WrapLimit,
	}
	if s.OldestOffsetKnown {
		st.MembersInUse = uint64(s.NextOffset - s.OldestOffset)
	}
	return st
}

// MemberFreezeThreshold is the effective autovacuum_multixact_freeze_max_age.
// Once the members space holds more than the safe threshold, the age
// shrinks toward zero so that vacuum frees members before they run out.
func (m *Manager) MemberFreezeThreshold(b *proc.Backend) uint32 {
	m.genLock.Acquire(b, lwlock.Shared)
	s := m.shared
	multis := uint32(s.NextMXact - s.OldestMultiXactID)
	members := uint64(s.NextOffset - s.OldestOffset)
	known := s.OldestOffsetKnown
	m.genLock.Release(b)
	return m.freezeThreshold(multis, members, known)
}

func (m *Manager) freezeThreshold(multis uint32, members uint64, known bool) uint32 {
	if !known || members <= memberSafeThreshold {
		return m.opts.FreezeMaxAge
	}
	fraction := float64(members-memberSafeThreshold) / float64(memberDangerThreshold-memberSafeThreshold)
	victims := float64(multis) * fraction
	if victims > float64(multis) {
		return 0
	}
	return min(multis-uint32(victims), m.opts.FreezeMaxAge)
}

// storeLimits recomputes the wraparound limits. Caller holds genLock
// exclusively or has sole access.
func (m *Manager) storeLimits(oldest transam.MultiXactID, freeze uint32) {
	wrap := oldest + transam.MaxMultiXactID>>1
	if wrap < transam.FirstMultiXactID {
		wrap += transam.FirstMultiXactID
	}
	stop := wrap - multiStopMargin
	if stop < transam.FirstMultiXactID {
		stop -= transam.FirstMultiXactID
	}
	warn := wrap - multiWarnMargin
	if warn < transam.FirstMultiXactID {
		warn -= transam.FirstMultiXactID
	}
	vac := oldest + transam.MultiXactID(freeze)
	if vac < transam.FirstMultiXactID {
		vac += transam.FirstMultiXactID
	}
	s := m.shared
	s.WrapLimit, s.StopLimit, s.WarnLimit, s.VacLimit = wrap, stop, warn, vac
}

// SetLimits records a new oldest MultiXactId, as computed by vacuum from
// every table's minimum, and derives the wraparound limits from it.
func (m *Manager) SetLimits(b *proc.Backend, oldest transam.MultiXactID, oldestDB uint32) {
	offset, known := m.startOffset(b, oldest)

	m.genLock.Acquire(b, lwlock.Exclusive)
	s := m.shared
	s.OldestMultiXactID = oldest
	s.OldestMultiXactDB = oldestDB
	if known {
		s.OldestOffset = offset
	}
	s.OldestOffsetKnown = known
	freeze := m.freezeThreshold(uint32(s.NextMXact-oldest), uint64(s.NextOffset-s.OldestOffset), known)
	m.storeLimits(oldest, freeze)
	cur, vac, warn, wrap := s.NextMXact, s.VacLimit, s.WarnLimit, s.WrapLimit
	m.genLock.Release(b)

	telemetry.MultiXactOldestID.Set(float64(oldest))
	log.Debug().Uint32("oldest_multi", uint32(oldest)).Uint32("oldest_db", oldestDB).
		Uint32("wrap_limit", uint32(wrap)).Uint32("effective_freeze_age", freeze).
		Msg("MultiXactId wrap limit set")

	if !transam.MultiXactPrecedes(cur, vac) {
		m.requestVacuum()
	}
	if !transam.MultiXactPrecedes(cur, warn) {
		log.Warn().Str("database", m.opts.Database).Uint32("remaining", uint32(wrap-cur)).
			Msg("Database must be vacuumed before more MultiXactIds are used")
	}
}

// startOffset finds the first member offset of multi. It reports false if
// the offsets page is gone.
func (m *Manager) startOffset(b *proc.Backend, multi transam.MultiXactID) (transam.MultiXactOffset, bool) {
	m.genLock.Acquire(b, lwlock.Shared)
	next, nextOffset := m.shared.NextMXact, m.shared.NextOffset
	m.genLock.Release(b)
	if multi == next {
		return nextOffset, true
	}
	exists, err := m.offsets.PageExists(b, offsetPage(multi))
	if err != nil || !exists {
		return 0, false
	}
	off, err := m.readOffset(b, multi)
	if err != nil || off == 0 {
		return 0, false
	}
	return off, true
}

// AdvanceNextMXact moves the counters forward to at least the given
// values, as replay and restart do.
func (m *Manager) AdvanceNextMXact(b *proc.Backend, minMulti transam.MultiXactID, minOffset transam.MultiXactOffset) {
	m.genLock.Acquire(b, lwlock.Exclusive)
	defer m.genLock.Release(b)
	if transam.MultiXactPrecedes(m.shared.NextMXact, minMulti) {
		m.shared.NextMXact = minMulti
	}
	if m.shared.NextOffset < minOffset {
		m.shared.NextOffset = minOffset
	}
}

// AdvanceOldest moves the oldest MultiXactId forward, never back.
func (m *Manager) AdvanceOldest(b *proc.Backend, oldest transam.MultiXactID, oldestDB uint32) {
	m.genLock.Acquire(b, lwlock.Exclusive)
	defer m.genLock.Release(b)
	if transam.MultiXactPrecedes(m.shared.OldestMultiXactID, oldest) {
		m.shared.OldestMultiXactID = oldest
		m.shared.OldestMultiXactDB = oldestDB
	}
}
