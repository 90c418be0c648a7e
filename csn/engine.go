package csn

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/telemetry"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

// Options mirrors the [csn] configuration section.
type Options struct {
	Enabled bool
	// DeferTime is the width of the CSN to xmin map in seconds; zero
	// disables the map and snapshot import.
	DeferTime  int
	TimeShift  time.Duration
	LogBuffers int
	Store      slru.PageStore
	WAL        *wal.Log
}

// Deps are the transaction bookkeeping structures the engine reads.
type Deps struct {
	ProcArray *transam.ProcArray
	SubTrans  *transam.SubTrans
	Status    *transam.StatusLog
	XactLocks *transam.XactLockTable
}

type engineShared struct {
	LastMaxCSN atomicCSN
}

// Engine is the CSN snapshot engine.
type Engine struct {
	opts  Options
	deps  Deps
	clock *Clock
	log   *Log
	xmins *xminMap
}

// NewEngine attaches the engine's shared state.
func NewEngine(seg *shmem.Segment, locks *lwlock.Array, deps Deps, opts Options) (*Engine, error) {
	shared, _, err := shmem.InitStruct[engineShared](seg, "CSNSnapshotState")
	if err != nil {
		return nil, err
	}
	l, err := NewLog(seg, locks, opts.Store, opts.LogBuffers, opts.WAL)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		opts:  opts,
		deps:  deps,
		clock: newClock(&shared.LastMaxCSN.Uint64, opts.TimeShift),
		log:   l,
	}
	if opts.DeferTime > 0 {
		if e.xmins, err = newXminMap(seg, locks, opts.DeferTime); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Enabled() bool { return e.opts.Enabled }
func (e *Engine) Clock() *Clock { return e.clock }
func (e *Engine) Log() *Log     { return e.log }

func (e *Engine) requireEnabled(what string) error {
	if e.opts.Enabled {
		return nil
	}
	return pgerr.New(pgerr.ObjectNotInPrerequisiteState, "could not %s", what).
		WithHint("Make sure the configuration parameter \"enable_csn_snapshot\" is enabled.")
}

// GenerateCSN returns the next CSN; see Clock.Generate.
func (e *Engine) GenerateCSN(assigned transam.CSN) transam.CSN {
	return e.clock.Generate(assigned)
}

// ExtendLog is the XID assignment hook for the CSN log.
func (e *Engine) ExtendLog(b *proc.Backend, xid transam.TransactionID) error {
	return e.log.Extend(b, xid)
}

// Precommit marks the transaction in doubt before it leaves the proc
// array. Readers that find InDoubt wait for the XID lock.
func (e *Engine) Precommit(b *proc.Backend, n proc.ProcNumber, xid transam.TransactionID, subxids []transam.TransactionID) error {
	if !e.opts.Enabled || !xid.IsValid() {
		return nil
	}
	entry := e.deps.ProcArray.Entry(n)
	if entry.AssignedCSN.CompareAndSwap(uint64(transam.InProgressCSN), uint64(transam.InDoubtCSN)) {
		return e.log.SetCSN(b, xid, subxids, transam.InDoubtCSN)
	}
	return nil
}

// Commit writes the final CSN for the transaction tree. It must run after
// the transaction left the proc array and before its XID lock is released.
func (e *Engine) Commit(b *proc.Backend, n proc.ProcNumber, xid transam.TransactionID, subxids []transam.TransactionID) (transam.CSN, error) {
	entry := e.deps.ProcArray.Entry(n)
	if !e.opts.Enabled || !xid.IsValid() {
		entry.AssignedCSN.Store(uint64(transam.InProgressCSN))
		return transam.InvalidCSN, nil
	}
	csn := transam.CSN(entry.AssignedCSN.Load())
	if !csn.IsNormal() {
		csn = e.clock.Generate(transam.InvalidCSN)
	}
	if err := e.log.SetCSN(b, xid, subxids, csn); err != nil {
		return transam.InvalidCSN, err
	}
	entry.AssignedCSN.Store(uint64(transam.InProgressCSN))
	log.Trace().Uint32("xid", uint32(xid)).Uint64("csn", uint64(csn)).Msg("Committed with CSN")
	return csn, nil
}

// Abort records the transaction tree as aborted.
func (e *Engine) Abort(b *proc.Backend, n proc.ProcNumber, xid transam.TransactionID, subxids []transam.TransactionID) error {
	entry := e.deps.ProcArray.Entry(n)
	entry.AssignedCSN.Store(uint64(transam.InProgressCSN))
	if !e.opts.Enabled || !xid.IsValid() {
		return nil
	}
	return e.log.SetCSN(b, xid, subxids, transam.AbortedCSN)
}

// PrepareCSN proposes a commit CSN for a prepared transaction; a
// coordinator takes the maximum over all participants and passes it to
// AssignCSN.
func (e *Engine) PrepareCSN() (transam.CSN, error) {
	if err := e.requireEnabled("prepare CSN for transaction"); err != nil {
		return transam.InvalidCSN, err
	}
	return e.clock.Generate(transam.InvalidCSN), nil
}

// AssignCSN fixes the commit CSN of the transaction in slot n. The log
// shows InDoubt until Commit writes csn.
func (e *Engine) AssignCSN(b *proc.Backend, n proc.ProcNumber, xid transam.TransactionID, subxids []transam.TransactionID, csn transam.CSN) error {
	if err := e.requireEnabled("assign CSN to transaction"); err != nil {
		return err
	}
	if !csn.IsNormal() {
		return pgerr.New(pgerr.InvalidParameterValue, "cannot assign CSN %s to a transaction", csn)
	}
	entry := e.deps.ProcArray.Entry(n)
	if entry.AssignedCSN.CompareAndSwap(uint64(transam.InProgressCSN), uint64(transam.InDoubtCSN)) {
		if err := e.log.SetCSN(b, xid, subxids, transam.InDoubtCSN); err != nil {
			return err
		}
	}
	e.clock.Generate(csn)
	entry.AssignedCSN.Store(uint64(csn))
	return nil
}

// TakeSnapshot builds a snapshot for backend n, stamped with a fresh CSN
// when CSN snapshots are enabled.
func (e *Engine) TakeSnapshot(b *proc.Backend, n proc.ProcNumber) *transam.Snapshot {
	snap := e.deps.ProcArray.GetSnapshot(b, n)
	snap.XminForCSN = snap.TransactionXmin
	if !e.opts.Enabled {
		snap.CSN = transam.InvalidCSN
		return snap
	}
	snap.CSN = e.clock.Generate(transam.InvalidCSN)
	e.MapXmin(b, snap.CSN)
	return snap
}

// ExportSnapshot returns the CSN another node can import.
func (e *Engine) ExportSnapshot(snap *transam.Snapshot) (transam.CSN, error) {
	if err := e.requireEnabled("export CSN snapshot"); err != nil {
		return transam.InvalidCSN, err
	}
	if !snap.CSN.IsNormal() {
		return transam.InvalidCSN, pgerr.New(pgerr.ObjectNotInPrerequisiteState, "snapshot has no CSN to export")
	}
	return snap.CSN, nil
}

// ImportSnapshot replaces backend n's snapshot with one fixed at csn. The
// local clock is first brought up to csn.
func (e *Engine) ImportSnapshot(ctx context.Context, b *proc.Backend, n proc.ProcNumber, csn transam.CSN) (*transam.Snapshot, error) {
	if err := e.requireEnabled("import CSN snapshot"); err != nil {
		return nil, err
	}
	if e.xmins == nil {
		return nil, pgerr.New(pgerr.ObjectNotInPrerequisiteState, "could not import CSN snapshot").
			WithHint("Make sure the configuration parameter \"csn_snapshot_defer_time\" is greater than zero.")
	}
	if !csn.IsNormal() {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "cannot import snapshot with CSN %s", csn)
	}
	if err := e.Sync(ctx, b, csn); err != nil {
		return nil, err
	}

	local := e.TakeSnapshot(b, n)
	xmin := e.ToXmin(b, csn)
	if !xmin.IsNormal() {
		return nil, pgerr.New(pgerr.SnapshotTooOld, "CSN snapshot too old").
			WithDetail("CSN %d is older than csn_snapshot_defer_time.", csn)
	}
	e.deps.ProcArray.SetImportedXmin(b, n, xmin)

	snap := local
	snap.CSN = csn
	snap.Imported = true
	snap.TransactionXmin = xmin
	snap.Xmin = transam.Older(xmin, local.Xmin)
	snap.XminForCSN = xmin
	if oldest := e.log.OldestXid(); oldest.IsNormal() && transam.Precedes(xmin, oldest) {
		snap.XminForCSN = oldest
	}
	return snap, nil
}

// XidCSN resolves the CSN that decides xid's visibility in snap: a normal
// CSN, AbortedCSN, InProgressCSN, FrozenCSN (too old to matter) or
// UnclearCSN (fall back to XID-based visibility). It waits out InDoubt.
func (e *Engine) XidCSN(ctx context.Context, b *proc.Backend, xid transam.TransactionID, snap *transam.Snapshot) (transam.CSN, error) {
	switch {
	case xid == transam.InvalidTransactionID:
		return transam.AbortedCSN, nil
	case !xid.IsNormal():
		return transam.FrozenCSN, nil
	case transam.Precedes(xid, snap.TransactionXmin):
		return transam.FrozenCSN, nil
	case snap.XminForCSN.IsValid() && transam.Precedes(xid, snap.XminForCSN):
		return transam.UnclearCSN, nil
	}

	for {
		csn, err := e.log.GetCSN(b, xid)
		if err != nil {
			return transam.InvalidCSN, err
		}
		if !csn.IsInDoubt() {
			return csn, nil
		}
		telemetry.CSNInDoubtWaits.Inc()
		top := e.deps.SubTrans.GetTopmost(xid)
		if !e.deps.XactLocks.Held(top) {
			runtime.Gosched()
		}
		if err := e.deps.XactLocks.Wait(ctx, b, top); err != nil {
			return transam.InvalidCSN, err
		}
	}
}

// XidVisible decides whether xid's effects are visible to snap.
func (e *Engine) XidVisible(ctx context.Context, b *proc.Backend, xid transam.TransactionID, snap *transam.Snapshot) (bool, error) {
	csn, err := e.XidCSN(ctx, b, xid, snap)
	if err != nil {
		return false, err
	}
	switch {
	case csn.IsNormal():
		return csn < snap.CSN, nil
	case csn.IsFrozen():
		return e.deps.Status.DidCommit(xid), nil
	case csn == transam.UnclearCSN:
		return e.deps.Status.DidCommit(xid) && !snap.XidInSnapshot(xid), nil
	}
	return false, nil
}

// MapXmin records the current oldest xmin for csn's second and publishes
// the horizon deferred by the map window to the proc array.
func (e *Engine) MapXmin(b *proc.Backend, csn transam.CSN) {
	if e.xmins == nil {
		return
	}
	deferred := e.xmins.record(b, csn, func() transam.TransactionID {
		return e.deps.ProcArray.OldestXmin(b, true)
	})
	if deferred.IsValid() {
		e.deps.ProcArray.SetCSNSnapshotXmin(deferred)
	}
}

// ToXmin returns the oldest xmin in effect at csn, or InvalidTransactionID
// if csn predates the map.
func (e *Engine) ToXmin(b *proc.Backend, csn transam.CSN) transam.TransactionID {
	if e.xmins == nil {
		return transam.InvalidTransactionID
	}
	return e.xmins.lookup(b, csn)
}

// Sync waits until the local clock has passed remote.
func (e *Engine) Sync(ctx context.Context, b *proc.Backend, remote transam.CSN) error {
	start := time.Now()
	defer func() { telemetry.CSNSyncWaitSecond.Observe(time.Since(start).Seconds()) }()
	for {
		local := e.clock.Generate(transam.InvalidCSN)
		if local >= remote {
			return nil
		}
		delta := time.Duration(remote - local)
		if delta > time.Second {
			log.Warn().Uint64("remote_csn", uint64(remote)).Uint64("local_csn", uint64(local)).
				Dur("wait", delta).Msg("Remote CSN snapshot exceeds ours by more than a second")
		}
		b.ReportWaitStart(proc.WaitEventCSNSync)
		timer := time.NewTimer(delta)
		select {
		case <-timer.C:
			b.ReportWaitEnd()
		case <-ctx.Done():
			timer.Stop()
			b.ReportWaitEnd()
			return pgerr.New(pgerr.QueryCanceled, "canceling statement due to user request")
		}
	}
}

// TruncateLog drops CSN log segments no snapshot can need.
func (e *Engine) TruncateLog(b *proc.Backend) error {
	return e.log.Truncate(b, e.deps.ProcArray.OldestXmin(b, false))
}

// Startup prepares the log for the next XID after a restart.
func (e *Engine) Startup(b *proc.Backend, next transam.TransactionID) error {
	return e.log.Startup(b, next)
}

// Checkpoint flushes the CSN log.
func (e *Engine) Checkpoint(b *proc.Backend) error {
	return e.log.Flush(b)
}

// Redo replays a CSN log record.
func (e *Engine) Redo(b *proc.Backend, rec wal.Record) error {
	return e.log.Redo(b, rec)
}

// MapHeadSecond is the newest second recorded in the xmin map.
func (e *Engine) MapHeadSecond() int64 {
	if e.xmins == nil {
		return 0
	}
	return e.xmins.headSecond()
}
