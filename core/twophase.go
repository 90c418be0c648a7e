package core

import (
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

// reserveDummy claims a dummy slot for p and publishes it under its gid.
func (s *SharedState) reserveDummy(p *preparedXact) error {
	s.prepMu.Lock()
	defer s.prepMu.Unlock()
	if _, ok := s.prepared.Load(p.gid); ok {
		return pgerr.New(pgerr.DuplicateObject, "transaction identifier %q is already in use", p.gid)
	}
	for i, used := range s.dummyUse {
		if !used {
			s.dummyUse[i] = true
			p.dummy = s.procs.DummyProcNumber(i)
			s.prepared.Store(p.gid, p)
			return nil
		}
	}
	return pgerr.New(pgerr.ProgramLimitExceeded, "maximum number of prepared transactions reached").
		WithHint("Increase max_prepared_xacts (currently %d).", len(s.dummyUse))
}

func (s *SharedState) releaseDummy(dummy proc.ProcNumber) {
	s.prepMu.Lock()
	s.dummyUse[int(dummy)-s.procs.MaxBackends()] = false
	s.prepMu.Unlock()
}

// Prepare moves the transaction into a prepared-transaction slot under
// gid. Its XID, row locks and MultiXact horizon stay held until
// FinishPrepared; the session is free to start a new transaction.
func (x *Session) Prepare(gid string) error {
	if gid == "" {
		return pgerr.New(pgerr.InvalidParameterValue, "transaction identifier must not be empty")
	}
	xid, err := x.XID()
	if err != nil {
		return err
	}
	s := x.shared
	p := &preparedXact{gid: gid, xid: xid, subxids: x.subxids, ddl: x.ddl}
	if err := s.reserveDummy(p); err != nil {
		return err
	}
	s.procArray.Transfer(x.b, x.b.Number(), p.dummy)
	s.multixact.PostPrepare(x.b, p.dummy)
	log.Debug().Str("gid", gid).Uint32("xid", uint32(xid)).Int32("dummy", int32(p.dummy)).Msg("Prepared transaction")

	x.xid = transam.InvalidTransactionID
	x.subxids = nil
	x.endXact("prepare")
	return nil
}

// PrepareCSN proposes a commit CSN for a distributed commit.
func (x *Session) PrepareCSN() (transam.CSN, error) {
	return x.shared.csn.PrepareCSN()
}

// AssignCSN fixes the commit CSN of prepared transaction gid.
func (x *Session) AssignCSN(gid string, csn transam.CSN) error {
	p, ok := x.shared.prepared.Load(gid)
	if !ok {
		return unknownGID(gid)
	}
	return x.shared.csn.AssignCSN(x.b, p.dummy, p.xid, p.subxids, csn)
}

// FinishPrepared commits or rolls back prepared transaction gid.
func (x *Session) FinishPrepared(gid string, commit bool) (transam.CSN, error) {
	s, b := x.shared, x.b
	p, ok := s.prepared.LoadAndDelete(gid)
	if !ok {
		return transam.InvalidCSN, unknownGID(gid)
	}
	rec := &xactRecord{Xid: p.xid, Subxids: p.subxids}

	var commitCSN transam.CSN
	if commit {
		if err := s.csn.Precommit(b, p.dummy, p.xid, p.subxids); err != nil {
			s.prepared.Store(gid, p)
			return transam.InvalidCSN, err
		}
		lsn, err := s.wal.InsertValue(wal.RmgrXlog, infoXactCommit, rec)
		if err == nil {
			err = s.wal.FlushSync(lsn)
		}
		if err != nil {
			s.prepared.Store(gid, p)
			return transam.InvalidCSN, err
		}
		b.StartCritSection()
		s.status.SetTreeStatus(p.xid, p.subxids, transam.StatusCommitted)
		s.procArray.Remove(b, p.dummy)
		commitCSN, err = s.csn.Commit(b, p.dummy, p.xid, p.subxids)
		if err = b.Check(err); err != nil {
			b.EndCritSection()
			return transam.InvalidCSN, err
		}
		b.EndCritSection()
	} else {
		if _, err := s.wal.InsertValue(wal.RmgrXlog, infoXactAbort, rec); err != nil {
			log.Warn().Err(err).Str("gid", gid).Msg("Could not log abort record")
		}
		s.status.SetTreeStatus(p.xid, p.subxids, transam.StatusAborted)
		s.procArray.Remove(b, p.dummy)
		if err := s.csn.Abort(b, p.dummy, p.xid, p.subxids); err != nil {
			log.Warn().Err(err).Str("gid", gid).Msg("Could not record abort CSN")
		}
		x.revertDDL(p.xid, p.ddl)
	}

	s.xactLocks.Unlock(p.xid)
	s.rowLocks.ReleaseXact(b, p.xid)
	s.multixact.PostCommitPrepared(b, p.dummy)
	s.releaseDummy(p.dummy)
	log.Debug().Str("gid", gid).Bool("commit", commit).Msg("Finished prepared transaction")
	return commitCSN, nil
}

// PreparedTransactions lists the gids currently prepared.
func (s *SharedState) PreparedTransactions() []string {
	var out []string
	s.prepared.Range(func(gid string, _ *preparedXact) bool {
		out = append(out, gid)
		return true
	})
	return out
}

func unknownGID(gid string) error {
	return pgerr.New(pgerr.UndefinedObject, "prepared transaction with identifier %q does not exist", gid)
}
