// Package core wires the shared-memory subsystems into one SharedState and
// hands out Sessions that run transactions against it.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/csn"
	"github.com/maxpert/txcore/lockpolicy"
	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/multixact"
	"github.com/maxpert/txcore/partdesc"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/rowlock"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/sinval"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/waitevent"
	"github.com/maxpert/txcore/wal"
)

const (
	segmentMagic uint64 = 0x7478636f7265

	// DatabaseOID is the database every session connects to.
	DatabaseOID uint32 = 5

	controlCheckpoint = "checkpoint"
	// auxProcs are backend slots reserved for the checkpointer.
	auxProcs = 1
)

// Options sizes and tunes a SharedState.
type Options struct {
	MaxBackends      int
	MaxPreparedXacts int
	// SharedMemorySize of zero sizes the arena from the other options.
	SharedMemorySize uint64

	EnableCSN     bool
	CSNDeferTime  int
	CSNTimeShift  time.Duration
	CSNLogBuffers int

	OffsetBuffers int
	MemberBuffers int
	FreezeMaxAge  uint32
	Database      string

	WALCompress     bool
	GroupCommitWait time.Duration

	// LockPolicy enables the adaptive lock hook when non-nil.
	LockPolicy *lockpolicy.Policy

	CatchupThresholdPercent int

	// XidFreezeMaxAge places the XID vacuum limit past the oldest XID.
	XidFreezeMaxAge uint32

	// VacuumRequest is called when MultiXact assignment crosses the vacuum
	// limit. When nil, the state runs Vacuum in the background.
	VacuumRequest func()
}

// DefaultOptions mirrors cfg.Default.
func DefaultOptions() Options {
	return Options{
		MaxBackends:             100,
		EnableCSN:               true,
		CSNDeferTime:            60,
		CSNLogBuffers:           32,
		OffsetBuffers:           16,
		MemberBuffers:           32,
		FreezeMaxAge:            400_000_000,
		XidFreezeMaxAge:         200_000_000,
		Database:                "postgres",
		GroupCommitWait:         2 * time.Millisecond,
		CatchupThresholdPercent: 70,
	}
}

// OptionsFromConfig translates the loaded configuration, reading the lock
// policy file when the hook is enabled.
func OptionsFromConfig(c *cfg.Configuration) (Options, error) {
	o := Options{
		MaxBackends:             c.Backends.MaxBackends,
		MaxPreparedXacts:        c.Backends.MaxPreparedXacts,
		SharedMemorySize:        c.SharedMemorySize,
		EnableCSN:               c.CSN.EnableCSNSnapshot,
		CSNDeferTime:            c.CSN.DeferTimeSeconds,
		CSNTimeShift:            time.Duration(c.CSN.TimeShiftSeconds) * time.Second,
		CSNLogBuffers:           c.CSN.LogBuffers,
		OffsetBuffers:           c.MultiXact.OffsetBuffers,
		MemberBuffers:           c.MultiXact.MemberBuffers,
		FreezeMaxAge:            uint32(c.MultiXact.FreezeMaxAge),
		XidFreezeMaxAge:         uint32(c.Vacuum.FreezeMaxAge),
		Database:                c.MultiXact.DatabaseName,
		WALCompress:             c.WAL.Compression,
		GroupCommitWait:         time.Duration(c.WAL.GroupCommitWaitMS) * time.Millisecond,
		CatchupThresholdPercent: c.Sinval.CatchupThresholdPercent,
	}
	if c.LockPolicy.Enabled {
		p, err := lockpolicy.LoadPolicy(c.LockPolicy.PolicyFile)
		if err != nil {
			return Options{}, err
		}
		o.LockPolicy = p
	}
	return o, nil
}

func (o Options) arenaSize() uint64 {
	if o.SharedMemorySize > 0 {
		return o.SharedMemorySize
	}
	var e shmem.Estimator
	for _, n := range []int{o.CSNLogBuffers, o.OffsetBuffers, o.MemberBuffers} {
		e.EstimateChunk(uint64(n) * (slru.BlockSize + 256))
	}
	e.EstimateChunk(uint64(o.MaxBackends+auxProcs+o.MaxPreparedXacts) * 4096)
	// fixed-size structs, the sinval ring, the xmin map and policy counters
	e.EstimateChunk(8 << 20)
	e.EstimateKeys(64)
	return e.Size()
}

type controlFile struct {
	RedoLSN   wal.LSN                   `msgpack:"redo"`
	NextXid   transam.FullTransactionID `msgpack:"next_xid"`
	MultiXact multixact.CheckpointState `msgpack:"multixact"`
	Time      int64                     `msgpack:"time"`
}

type preparedXact struct {
	gid     string
	dummy   proc.ProcNumber
	xid     transam.TransactionID
	subxids []transam.TransactionID
	ddl     []ddlUndo
}

// SharedState is the root of every shared structure. One exists per
// server; sessions attach to it.
type SharedState struct {
	opts Options
	db   *pebble.DB

	seg   *shmem.Segment
	locks *lwlock.Array
	procs *proc.Registry

	xids      *transam.XidGen
	procArray *transam.ProcArray
	status    *transam.StatusLog
	subtrans  *transam.SubTrans
	xactLocks *transam.XactLockTable

	wal        *wal.Log
	csn        *csn.Engine
	multixact  *multixact.Manager
	sinval     *sinval.Ring
	catalog    *partdesc.MemoryCatalog
	rowLocks   *rowlock.Table
	policy     *lockpolicy.Hook
	waitEvents *waitevent.Registry

	// aux runs checkpoints and stats; auxMu serializes its users.
	auxMu sync.Mutex
	aux   *proc.Backend

	vacuuming atomic.Bool
	vacuumWG  sync.WaitGroup

	prepMu   sync.Mutex
	prepared *xsync.MapOf[string, *preparedXact]
	dummyUse []bool
}

// NewSharedState builds every component over db. Startup must run before
// sessions connect.
func NewSharedState(db *pebble.DB, opts Options) (*SharedState, error) {
	if opts.MaxBackends < 1 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "max_backends must be at least 1")
	}
	seg, err := shmem.NewSegment(segmentMagic, opts.arenaSize())
	if err != nil {
		return nil, err
	}
	s := &SharedState{
		opts:     opts,
		db:       db,
		seg:      seg,
		locks:    lwlock.NewArray(),
		status:   transam.NewStatusLog(),
		subtrans: transam.NewSubTrans(),
		prepared: xsync.NewMapOf[string, *preparedXact](),
		dummyUse: make([]bool, opts.MaxPreparedXacts),
	}
	if s.procs, err = proc.NewRegistry(opts.MaxBackends+auxProcs, opts.MaxPreparedXacts); err != nil {
		return nil, err
	}
	totalProcs := s.procs.TotalProcs()

	if s.xids, err = transam.NewXidGen(seg, s.locks, opts.Database); err != nil {
		return nil, err
	}
	s.procArray = transam.NewProcArray(s.locks, s.xids, totalProcs)
	s.xactLocks = transam.NewXactLockTable(s.subtrans)

	if s.wal, err = wal.Open(db, wal.Options{Compress: opts.WALCompress, GroupCommitWait: opts.GroupCommitWait}); err != nil {
		return nil, err
	}

	s.csn, err = csn.NewEngine(seg, s.locks, csn.Deps{
		ProcArray: s.procArray,
		SubTrans:  s.subtrans,
		Status:    s.status,
		XactLocks: s.xactLocks,
	}, csn.Options{
		Enabled:    opts.EnableCSN,
		DeferTime:  opts.CSNDeferTime,
		TimeShift:  opts.CSNTimeShift,
		LogBuffers: opts.CSNLogBuffers,
		Store:      slru.NewPebbleStore(db, "csn"),
		WAL:        s.wal,
	})
	if err != nil {
		return nil, err
	}
	s.xids.OnExtend(s.csn.ExtendLog)

	vacuumRequest := opts.VacuumRequest
	if vacuumRequest == nil {
		vacuumRequest = s.requestVacuum
	}
	s.multixact, err = multixact.NewManager(seg, s.locks, multixact.Deps{
		ProcArray: s.procArray,
		Status:    s.status,
		XactLocks: s.xactLocks,
		Xids:      s.xids,
	}, multixact.Options{
		OffsetBuffers: opts.OffsetBuffers,
		MemberBuffers: opts.MemberBuffers,
		OffsetStore:   slru.NewPebbleStore(db, "multixact_offset"),
		MemberStore:   slru.NewPebbleStore(db, "multixact_member"),
		WAL:           s.wal,
		FreezeMaxAge:  opts.FreezeMaxAge,
		Database:      opts.Database,
		TotalProcs:    totalProcs,
		VacuumRequest: vacuumRequest,
	})
	if err != nil {
		return nil, err
	}

	s.sinval, err = sinval.NewRing(seg, s.locks, totalProcs, sinval.Options{
		CatchupThresholdPercent: opts.CatchupThresholdPercent,
		Signal: func(n proc.ProcNumber) {
			s.procs.Get(n).SignalCatchup()
		},
	})
	if err != nil {
		return nil, err
	}

	if opts.LockPolicy != nil {
		if s.policy, err = lockpolicy.NewHook(seg, s.locks, opts.LockPolicy); err != nil {
			return nil, err
		}
	}
	s.rowLocks = rowlock.NewTable(rowlock.Deps{
		ProcArray: s.procArray,
		XactLocks: s.xactLocks,
		MultiXact: s.multixact,
		Policy:    s.policy,
	})
	if s.waitEvents, err = waitevent.NewRegistry(seg, s.locks); err != nil {
		return nil, err
	}
	s.catalog = partdesc.NewMemoryCatalog()

	if s.aux, err = s.procs.Register("checkpointer"); err != nil {
		return nil, err
	}
	log.Debug().
		Uint64("arena_bytes", opts.arenaSize()).
		Int("total_procs", totalProcs).
		Bool("lock_policy", s.policy != nil).
		Msg("Shared state initialized")
	return s, nil
}

// withAux runs fn on the auxiliary backend.
func (s *SharedState) withAux(fn func(b *proc.Backend) error) error {
	s.auxMu.Lock()
	defer s.auxMu.Unlock()
	return fn(s.aux)
}

// Startup restores the last checkpoint, or bootstraps a fresh cluster, and
// replays the WAL written after it.
func (s *SharedState) Startup() error {
	return s.withAux(func(b *proc.Backend) error {
		var ctl controlFile
		found, err := s.wal.ReadControl(controlCheckpoint, &ctl)
		if err != nil {
			return pgerr.Wrapf(err, "could not read checkpoint record")
		}
		if !found {
			return s.bootstrap(b)
		}

		if next := ctl.NextXid.XID(); next.IsNormal() {
			s.xids.AdvanceNextXid(b, next.Retreat(1))
		}
		if err := s.multixact.Startup(b, ctl.MultiXact); err != nil {
			return err
		}

		s.multixact.SetRecovery(true)
		s.csn.Log().Ctl().SetRecovery(true)
		replayed := 0
		err = s.wal.Replay(ctl.RedoLSN, func(rec wal.Record) error {
			replayed++
			return s.redo(b, rec)
		})
		s.multixact.SetRecovery(false)
		s.csn.Log().Ctl().SetRecovery(false)
		if err != nil {
			return err
		}

		if err := s.csn.Startup(b, s.xids.ReadNextFullTransactionID(b).XID()); err != nil {
			return err
		}
		log.Info().
			Uint64("redo_lsn", uint64(ctl.RedoLSN)).
			Int("records", replayed).
			Uint64("next_xid", uint64(s.xids.ReadNextFullTransactionID(b))).
			Msg("Recovery complete")
		return s.checkpoint(b)
	})
}

func (s *SharedState) bootstrap(b *proc.Backend) error {
	log.Info().Msg("Bootstrapping new cluster")
	if err := s.multixact.Bootstrap(b); err != nil {
		return err
	}
	if err := s.csn.Startup(b, s.xids.ReadNextFullTransactionID(b).XID()); err != nil {
		return err
	}
	return s.checkpoint(b)
}

func (s *SharedState) redo(b *proc.Backend, rec wal.Record) error {
	switch rec.Rmgr {
	case wal.RmgrMultiXact:
		return s.multixact.Redo(b, rec)
	case wal.RmgrCSN:
		return s.csn.Redo(b, rec)
	case wal.RmgrXlog:
		return s.redoXact(b, rec)
	}
	return pgerr.New(pgerr.DataCorrupted, "unknown resource manager %d in WAL record at %d", rec.Rmgr, rec.LSN)
}

// Checkpoint flushes every SLRU, records the redo point and drops WAL
// that precedes it.
func (s *SharedState) Checkpoint() error {
	return s.withAux(s.checkpoint)
}

func (s *SharedState) checkpoint(b *proc.Backend) error {
	start := time.Now()
	ctl := controlFile{
		RedoLSN:   s.wal.InsertLSN(),
		NextXid:   s.xids.ReadNextFullTransactionID(b),
		MultiXact: s.multixact.CheckpointState(b),
		Time:      start.Unix(),
	}
	if err := s.wal.FlushSync(ctl.RedoLSN - 1); err != nil {
		return pgerr.Wrapf(err, "could not flush WAL")
	}
	if err := s.csn.Checkpoint(b); err != nil {
		return err
	}
	if err := s.multixact.Checkpoint(b); err != nil {
		return err
	}
	if err := s.wal.WriteControl(controlCheckpoint, &ctl); err != nil {
		return pgerr.Wrapf(err, "could not write checkpoint record")
	}
	if err := s.wal.RemoveBefore(ctl.RedoLSN); err != nil {
		return pgerr.Wrapf(err, "could not remove old WAL")
	}
	telemetry.Checkpoints.Inc()
	log.Debug().
		Uint64("redo_lsn", uint64(ctl.RedoLSN)).
		Dur("took", time.Since(start)).
		Msg("Checkpoint complete")
	return nil
}

// Stats implements telemetry.StatsProvider.
func (s *SharedState) Stats() telemetry.CoreStats {
	var st telemetry.CoreStats
	_ = s.withAux(func(b *proc.Backend) error {
		mx := s.multixact.Stats(b)
		st = telemetry.CoreStats{
			ActiveBackends:    len(s.procs.Active()) - auxProcs,
			SharedMemoryFree:  s.seg.TOC().Free(),
			SinvalQueueDepth:  int(s.sinval.Stats(b).Depth),
			MultiXactNext:     uint32(mx.NextMXact),
			MultiXactOldest:   uint32(mx.OldestMultiXactID),
			MultiXactOffset:   uint64(mx.NextOffset),
			LastCSN:           uint64(s.csn.Clock().Last()),
			XminMapHeadSecond: uint64(max(s.csn.MapHeadSecond(), 0)),
			CustomWaitEvents:  s.waitEvents.Count(b),
		}
		return nil
	})
	return st
}

// MultiXactStats reports the MultiXact counters and limits.
func (s *SharedState) MultiXactStats() multixact.Stats {
	var st multixact.Stats
	_ = s.withAux(func(b *proc.Backend) error {
		st = s.multixact.Stats(b)
		return nil
	})
	return st
}

// MultiXactMembers reads the members of multi.
func (s *SharedState) MultiXactMembers(multi transam.MultiXactID) ([]multixact.Member, error) {
	var members []multixact.Member
	err := s.withAux(func(b *proc.Backend) error {
		var err error
		members, err = s.multixact.GetMembers(b, multi, false)
		return err
	})
	return members, err
}

// SinvalStats reports the invalidation ring counters.
func (s *SharedState) SinvalStats() sinval.Stats {
	var st sinval.Stats
	_ = s.withAux(func(b *proc.Backend) error {
		st = s.sinval.Stats(b)
		return nil
	})
	return st
}

// MatchWaitEvents lists wait events whose name matches a glob.
func (s *SharedState) MatchWaitEvents(pattern string) ([]waitevent.Event, error) {
	var events []waitevent.Event
	err := s.withAux(func(b *proc.Backend) error {
		var err error
		events, err = s.waitEvents.Match(b, pattern)
		return err
	})
	return events, err
}

// RegisterWaitEvent registers a custom wait event, returning the existing
// code if the name is already known in that class.
func (s *SharedState) RegisterWaitEvent(class uint32, name string) (uint32, error) {
	var code uint32
	err := s.withAux(func(b *proc.Backend) error {
		var err error
		code, err = s.waitEvents.New(b, class, name)
		return err
	})
	return code, err
}

func (s *SharedState) CSN() *csn.Engine                 { return s.csn }
func (s *SharedState) MultiXact() *multixact.Manager    { return s.multixact }
func (s *SharedState) Sinval() *sinval.Ring             { return s.sinval }
func (s *SharedState) Catalog() *partdesc.MemoryCatalog { return s.catalog }
func (s *SharedState) RowLocks() *rowlock.Table         { return s.rowLocks }
func (s *SharedState) LockPolicy() *lockpolicy.Hook     { return s.policy }
func (s *SharedState) WaitEvents() *waitevent.Registry  { return s.waitEvents }
func (s *SharedState) Procs() *proc.Registry            { return s.procs }
func (s *SharedState) WAL() *wal.Log                    { return s.wal }

// Close writes a final checkpoint and stops the WAL flusher. The pebble
// store stays open; its owner closes it.
func (s *SharedState) Close() error {
	s.vacuumWG.Wait()
	err := s.Checkpoint()
	s.wal.Close()
	s.procs.Unregister(s.aux)
	return err
}
