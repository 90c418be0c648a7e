package multixact

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/encoding"
	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

const (
	infoZeroOffPage uint8 = 0x00
	infoZeroMemPage uint8 = 0x10
	infoCreateID    uint8 = 0x20
	infoTruncateID  uint8 = 0x30
)

type createRecord struct {
	Multi   transam.MultiXactID     `msgpack:"m"`
	Offset  transam.MultiXactOffset `msgpack:"o"`
	Members []Member                `msgpack:"x"`
}

// CheckpointState is what a checkpoint must remember to restart the
// counters.
type CheckpointState struct {
	NextMXact   transam.MultiXactID     `msgpack:"next"`
	NextOffset  transam.MultiXactOffset `msgpack:"next_offset"`
	OldestMulti transam.MultiXactID     `msgpack:"oldest"`
	OldestDB    uint32                  `msgpack:"oldest_db"`
}

func (m *Manager) logRecord(info uint8, v any) error {
	if m.opts.WAL == nil {
		return nil
	}
	_, err := m.opts.WAL.InsertValue(wal.RmgrMultiXact, info, v)
	return err
}

// Bootstrap creates the first page of both SLRUs in a fresh cluster.
func (m *Manager) Bootstrap(b *proc.Backend) error {
	if err := m.zeroPage(b, m.offsets, 0, infoZeroOffPage, false); err != nil {
		return err
	}
	if err := m.zeroPage(b, m.members, 0, infoZeroMemPage, false); err != nil {
		return err
	}
	return m.Checkpoint(b)
}

// Startup restores counters saved by a checkpoint and makes sure the pages
// the next MultiXact will use exist. Replay may advance the counters
// further afterwards.
func (m *Manager) Startup(b *proc.Backend, st CheckpointState) error {
	m.genLock.Acquire(b, lwlock.Exclusive)
	if st.NextMXact.IsValid() {
		m.shared.NextMXact = st.NextMXact
		m.shared.NextOffset = st.NextOffset
	}
	m.genLock.Release(b)
	if st.OldestMulti.IsValid() {
		m.AdvanceOldest(b, st.OldestMulti, st.OldestDB)
	}

	m.genLock.Acquire(b, lwlock.Shared)
	next, nextOffset, oldest, oldestDB := m.shared.NextMXact, m.shared.NextOffset,
		m.shared.OldestMultiXactID, m.shared.OldestMultiXactDB
	m.genLock.Release(b)

	if err := m.ensurePage(b, m.offsets, offsetPage(next), infoZeroOffPage); err != nil {
		return err
	}
	if err := m.ensurePage(b, m.members, memberPage(nextOffset), infoZeroMemPage); err != nil {
		return err
	}
	m.SetLimits(b, oldest, oldestDB)
	log.Debug().Uint32("next_multi", uint32(next)).Uint64("next_offset", uint64(nextOffset)).
		Msg("MultiXact startup")
	return nil
}

func (m *Manager) ensurePage(b *proc.Backend, ctl *slru.Ctl, page int64, info uint8) error {
	ctl.SetLatestPage(page)
	exists, err := ctl.PageExists(b, page)
	if err != nil || exists {
		return err
	}
	return m.zeroPage(b, ctl, page, info, false)
}

// CheckpointState reports the counters to store with a checkpoint.
func (m *Manager) CheckpointState(b *proc.Backend) CheckpointState {
	m.genLock.Acquire(b, lwlock.Shared)
	defer m.genLock.Release(b)
	return CheckpointState{
		NextMXact:   m.shared.NextMXact,
		NextOffset:  m.shared.NextOffset,
		OldestMulti: m.shared.OldestMultiXactID,
		OldestDB:    m.shared.OldestMultiXactDB,
	}
}

// Checkpoint writes all dirty offsets and members pages.
func (m *Manager) Checkpoint(b *proc.Backend) error {
	if err := m.offsets.Flush(b); err != nil {
		return err
	}
	return m.members.Flush(b)
}

// Redo replays a MultiXact record.
func (m *Manager) Redo(b *proc.Backend, rec wal.Record) error {
	switch rec.Info {
	case infoZeroOffPage:
		var page int64
		if err := decode(rec, &page); err != nil {
			return err
		}
		return m.zeroPage(b, m.offsets, page, infoZeroOffPage, false)

	case infoZeroMemPage:
		var page int64
		if err := decode(rec, &page); err != nil {
			return err
		}
		return m.zeroPage(b, m.members, page, infoZeroMemPage, false)

	case infoCreateID:
		var r createRecord
		if err := decode(rec, &r); err != nil {
			return err
		}
		if err := m.recordNewMultiXact(b, r.Multi, r.Offset, r.Members); err != nil {
			return err
		}
		m.AdvanceNextMXact(b, r.Multi+1, r.Offset+transam.MultiXactOffset(len(r.Members)))
		if m.deps.Xids != nil {
			maxXid := transam.InvalidTransactionID
			for _, mem := range r.Members {
				if !maxXid.IsValid() || transam.Precedes(maxXid, mem.Xid) {
					maxXid = mem.Xid
				}
			}
			m.deps.Xids.AdvanceNextXid(b, maxXid)
		}
		return nil

	case infoTruncateID:
		var r truncateRecord
		if err := decode(rec, &r); err != nil {
			return err
		}
		m.truncLock.Acquire(b, lwlock.Exclusive)
		defer m.truncLock.Release(b)
		m.AdvanceOldest(b, r.EndTrunc, r.OldestDB)
		return m.performTruncation(b, r.EndTrunc, r.EndMemb)
	}
	return pgerr.New(pgerr.InternalError, "multixact_redo: unknown op code %d", rec.Info)
}

func decode(rec wal.Record, v any) error {
	if err := encoding.Unmarshal(rec.Data, v); err != nil {
		return pgerr.New(pgerr.DataCorrupted, "invalid MultiXact record at %d: %v", rec.LSN, err)
	}
	return nil
}
