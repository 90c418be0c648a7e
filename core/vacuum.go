package core

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/transam"
)

// VacuumResult reports the horizons a Vacuum pass settled on.
type VacuumResult struct {
	OldestXmin  transam.TransactionID `json:"oldest_xmin"`
	OldestMulti transam.MultiXactID   `json:"oldest_multi"`
}

// Vacuum moves the cluster-wide horizons forward: it truncates the
// MultiXact SLRUs below the oldest MultiXact anyone can still read,
// recomputes the XID and MultiXact wraparound limits and truncates the
// CSN log below the oldest xmin.
func (s *SharedState) Vacuum() (VacuumResult, error) {
	var res VacuumResult
	err := s.withAux(func(b *proc.Backend) error {
		var err error
		res, err = s.vacuum(b)
		return err
	})
	return res, err
}

func (s *SharedState) vacuum(b *proc.Backend) (VacuumResult, error) {
	start := time.Now()
	res := VacuumResult{
		OldestXmin:  s.procArray.OldestXmin(b, false),
		OldestMulti: s.multixact.OldestNeeded(b),
	}
	// A MultiXact stays readable while a tuple lock still names it.
	if held := s.rowLocks.OldestMulti(); held.IsValid() && transam.MultiXactPrecedes(held, res.OldestMulti) {
		res.OldestMulti = held
	}

	if err := s.multixact.Truncate(b, res.OldestMulti, DatabaseOID); err != nil {
		return res, err
	}
	s.multixact.SetLimits(b, res.OldestMulti, DatabaseOID)

	oldestXid, _, _, _ := s.xids.Limits(b)
	if transam.Precedes(oldestXid, res.OldestXmin) {
		s.xids.SetLimits(b, res.OldestXmin, s.opts.XidFreezeMaxAge)
	}

	if err := s.csn.TruncateLog(b); err != nil {
		return res, err
	}
	log.Debug().
		Uint32("oldest_xmin", uint32(res.OldestXmin)).
		Uint32("oldest_multi", uint32(res.OldestMulti)).
		Dur("took", time.Since(start)).
		Msg("Vacuum complete")
	return res, nil
}

// requestVacuum runs Vacuum in the background unless one is already
// running.
func (s *SharedState) requestVacuum() {
	if !s.vacuuming.CompareAndSwap(false, true) {
		return
	}
	s.vacuumWG.Add(1)
	go func() {
		defer s.vacuumWG.Done()
		defer s.vacuuming.Store(false)
		if _, err := s.Vacuum(); err != nil {
			log.Error().Err(err).Msg("Requested vacuum failed")
		}
	}()
}
