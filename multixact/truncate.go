package multixact

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
)

type truncateRecord struct {
	OldestDB   uint32                  `msgpack:"db"`
	StartTrunc transam.MultiXactID     `msgpack:"so"`
	EndTrunc   transam.MultiXactID     `msgpack:"eo"`
	StartMemb  transam.MultiXactOffset `msgpack:"sm"`
	EndMemb    transam.MultiXactOffset `msgpack:"em"`
}

// Truncate removes offsets and members of MultiXacts preceding newOldest.
// Checkpoints are held off for the duration so the truncation record and
// the removal stay together.
func (m *Manager) Truncate(b *proc.Backend, newOldest transam.MultiXactID, newOldestDB uint32) error {
	m.truncLock.Acquire(b, lwlock.Exclusive)
	defer m.truncLock.Release(b)

	m.genLock.Acquire(b, lwlock.Shared)
	next, nextOffset := m.shared.NextMXact, m.shared.NextOffset
	oldest := m.shared.OldestMultiXactID
	m.genLock.Release(b)

	if transam.MultiXactPrecedesOrEquals(newOldest, oldest) {
		return nil
	}

	// Only read offsets pages that still exist.
	earliestPage := int64(-1)
	err := m.offsets.ScanDirectory(func(_, segpage int64) (bool, error) {
		if earliestPage < 0 || offsetPagePrecedes(segpage, earliestPage) {
			earliestPage = segpage
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if earliestPage >= 0 {
		earliest := transam.MultiXactID(earliestPage * offsetsPerPage)
		if earliest < transam.FirstMultiXactID {
			earliest = transam.FirstMultiXactID
		}
		if transam.MultiXactPrecedes(newOldest, earliest) {
			log.Debug().Uint32("new_oldest", uint32(newOldest)).Uint32("earliest", uint32(earliest)).
				Msg("MultiXact truncation: nothing to remove")
			m.AdvanceOldest(b, newOldest, newOldestDB)
			return nil
		}
		if transam.MultiXactPrecedes(oldest, earliest) {
			oldest = earliest
		}
	}

	startMemb, err := m.truncationOffset(b, oldest, next, nextOffset)
	if err != nil {
		return err
	}
	endMemb, err := m.truncationOffset(b, newOldest, next, nextOffset)
	if err != nil {
		return err
	}

	b.DelayCheckpointStart()
	defer b.DelayCheckpointEnd()
	b.StartCritSection()
	err = m.logRecord(infoTruncateID, truncateRecord{
		OldestDB:   newOldestDB,
		StartTrunc: oldest,
		EndTrunc:   newOldest,
		StartMemb:  startMemb,
		EndMemb:    endMemb,
	})
	if err == nil {
		m.AdvanceOldest(b, newOldest, newOldestDB)
		err = m.performTruncation(b, newOldest, endMemb)
	}
	err = b.Check(err)
	b.EndCritSection()
	if err != nil {
		return err
	}

	telemetry.MultiXactTruncations.Inc()
	telemetry.MultiXactOldestID.Set(float64(newOldest))
	log.Info().Uint32("oldest_multi", uint32(oldest)).Uint32("new_oldest_multi", uint32(newOldest)).
		Uint64("start_member", uint64(startMemb)).Uint64("end_member", uint64(endMemb)).
		Msg("Truncated MultiXacts")
	return nil
}

func (m *Manager) truncationOffset(b *proc.Backend, multi, next transam.MultiXactID, nextOffset transam.MultiXactOffset) (transam.MultiXactOffset, error) {
	if multi == next {
		return nextOffset, nil
	}
	return m.readOffset(b, multi)
}

// performTruncation drops members first, then offsets: the page holding
// the offset of the MultiXact before newOldest is kept.
func (m *Manager) performTruncation(b *proc.Backend, newOldest transam.MultiXactID, endMemb transam.MultiXactOffset) error {
	if err := m.members.Truncate(b, memberPage(endMemb)); err != nil {
		return err
	}
	prev := newOldest - 1
	if prev < transam.FirstMultiXactID {
		prev = transam.MaxMultiXactID
	}
	return m.offsets.Truncate(b, offsetPage(prev))
}
