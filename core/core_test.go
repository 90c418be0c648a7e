package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/cfg"
	"github.com/maxpert/txcore/lockpolicy"
	"github.com/maxpert/txcore/multixact"
	"github.com/maxpert/txcore/partition"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/rowlock"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

func testOptions() Options {
	o := DefaultOptions()
	o.MaxBackends = 4
	o.MaxPreparedXacts = 1
	o.GroupCommitWait = 0
	return o
}

func openTestDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := OpenStorage(t.TempDir(), StorageOptions{CacheSizeMB: 8, MemTableSizeMB: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func startShared(t *testing.T, db *pebble.DB, opts Options) *SharedState {
	t.Helper()
	s, err := NewSharedState(db, opts)
	require.NoError(t, err)
	require.NoError(t, s.Startup())
	return s
}

func newShared(t *testing.T) *SharedState {
	t.Helper()
	s := startShared(t, openTestDB(t), testOptions())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func connect(t *testing.T, s *SharedState, name string) *Session {
	t.Helper()
	x, err := s.Connect(name)
	require.NoError(t, err)
	t.Cleanup(x.Close)
	return x
}

func beginXid(t *testing.T, x *Session) transam.TransactionID {
	t.Helper()
	require.NoError(t, x.Begin())
	xid, err := x.XID()
	require.NoError(t, err)
	return xid
}

func TestCommitVisibility(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	ctx := context.Background()
	w := connect(t, s, "writer")
	r := connect(t, s, "reader")

	xid := beginXid(t, w)
	require.NoError(t, r.Begin())
	visible, err := r.XidVisible(ctx, xid)
	require.NoError(t, err)
	assert.False(t, visible)

	commitCSN, err := w.Commit()
	require.NoError(t, err)
	assert.True(t, commitCSN.IsNormal())
	assert.False(t, w.InTransaction())

	// the reader keeps its snapshot until its transaction ends
	visible, err = r.XidVisible(ctx, xid)
	require.NoError(t, err)
	assert.False(t, visible)
	_, err = r.Commit()
	require.NoError(t, err)

	require.NoError(t, r.Begin())
	visible, err = r.XidVisible(ctx, xid)
	require.NoError(t, err)
	assert.True(t, visible)
	require.NoError(t, r.Abort())
}

func TestAbortIsNeverVisible(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	ctx := context.Background()
	w := connect(t, s, "writer")
	r := connect(t, s, "reader")

	xid := beginXid(t, w)
	sub, err := w.BeginSubTransaction()
	require.NoError(t, err)
	assert.Equal(t, xid, s.subtrans.GetTopmost(sub))

	own, err := w.XidVisible(ctx, sub)
	require.NoError(t, err)
	assert.True(t, own)
	require.NoError(t, w.Abort())
	assert.True(t, s.status.DidAbort(sub))

	require.NoError(t, r.Begin())
	for _, x := range []transam.TransactionID{xid, sub} {
		visible, err := r.XidVisible(ctx, x)
		require.NoError(t, err)
		assert.False(t, visible)
	}
	_, err = r.Commit()
	require.NoError(t, err)
}

func TestTransactionStateErrors(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	x := connect(t, s, "s")

	_, err := x.Commit()
	assert.True(t, pgerr.IsCode(err, pgerr.ObjectNotInPrerequisiteState))
	_, err = x.XID()
	assert.True(t, pgerr.IsCode(err, pgerr.ObjectNotInPrerequisiteState))

	require.NoError(t, x.Begin())
	assert.True(t, pgerr.IsCode(x.Begin(), pgerr.ObjectNotInPrerequisiteState))

	// read-only transactions commit without a CSN
	c, err := x.Commit()
	require.NoError(t, err)
	assert.Equal(t, transam.InvalidCSN, c)
}

func TestTooManyConnections(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	for i := 0; i < 4; i++ {
		connect(t, s, "s")
	}
	_, err := s.Connect("extra")
	assert.True(t, pgerr.IsCode(err, pgerr.TooManyConnections))
	assert.Equal(t, 4, s.Stats().ActiveBackends)
}

func TestPartitionInvalidationReachesOtherSessions(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	ddl := connect(t, s, "ddl")
	app := connect(t, s, "app")

	key, err := partition.NewKey(partition.StrategyRange, partition.Int8Ops)
	require.NoError(t, err)
	span := func(lo, hi int64) *partition.BoundSpec {
		return partition.FromTo([]partition.RangeDatum{partition.Val(lo)}, []partition.RangeDatum{partition.Val(hi)})
	}

	require.NoError(t, ddl.Begin())
	parent, err := ddl.CreateTable("events", key)
	require.NoError(t, err)
	low, err := ddl.CreateTable("events_low", nil)
	require.NoError(t, err)
	require.NoError(t, ddl.AttachPartition(parent, low, span(0, 100)))
	_, err = ddl.Commit()
	require.NoError(t, err)

	require.NoError(t, app.Begin())
	got, err := app.Route(parent, int64(50))
	require.NoError(t, err)
	assert.Equal(t, low, got)
	_, err = app.Route(parent, int64(150))
	require.Error(t, err)

	require.NoError(t, ddl.Begin())
	high, err := ddl.CreateTable("events_high", nil)
	require.NoError(t, err)
	require.NoError(t, ddl.AttachPartition(parent, high, span(100, 200)))
	_, err = ddl.Commit()
	require.NoError(t, err)
	assert.Positive(t, s.SinvalStats().Depth)

	// the open transaction keeps the descriptor it already used
	_, err = app.Route(parent, int64(150))
	require.Error(t, err)
	_, err = app.Commit()
	require.NoError(t, err)

	require.NoError(t, app.Begin())
	got, err = app.Route(parent, int64(150))
	require.NoError(t, err)
	assert.Equal(t, high, got)
	_, err = app.Commit()
	require.NoError(t, err)
}

func TestAbortRevertsPartitionChanges(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	ddl := connect(t, s, "ddl")
	app := connect(t, s, "app")

	key, err := partition.NewKey(partition.StrategyRange, partition.Int8Ops)
	require.NoError(t, err)
	span := func(lo, hi int64) *partition.BoundSpec {
		return partition.FromTo([]partition.RangeDatum{partition.Val(lo)}, []partition.RangeDatum{partition.Val(hi)})
	}
	pending := func(parent uint32) int {
		n := 0
		for _, row := range s.catalog.Inherits(parent) {
			if row.DetachPending {
				n++
			}
		}
		return n
	}
	route := func(parent uint32, v int64) (uint32, error) {
		require.NoError(t, app.Begin())
		defer func() { require.NoError(t, app.Abort()) }()
		return app.Route(parent, v)
	}

	require.NoError(t, ddl.Begin())
	parent, err := ddl.CreateTable("orders", key)
	require.NoError(t, err)
	low, err := ddl.CreateTable("orders_low", nil)
	require.NoError(t, err)
	high, err := ddl.CreateTable("orders_high", nil)
	require.NoError(t, err)
	extra, err := ddl.CreateTable("orders_extra", nil)
	require.NoError(t, err)
	require.NoError(t, ddl.AttachPartition(parent, low, span(0, 100)))
	require.NoError(t, ddl.AttachPartition(parent, high, span(100, 200)))
	_, err = ddl.Commit()
	require.NoError(t, err)

	// aborted concurrent detach
	require.NoError(t, ddl.Begin())
	require.NoError(t, ddl.DetachPartition(parent, high, true))
	require.Equal(t, 1, pending(parent))
	require.NoError(t, ddl.Abort())
	assert.Zero(t, pending(parent))
	got, err := route(parent, 150)
	require.NoError(t, err)
	assert.Equal(t, high, got)

	// aborted attach
	require.NoError(t, ddl.Begin())
	require.NoError(t, ddl.AttachPartition(parent, extra, span(200, 300)))
	require.NoError(t, ddl.Abort())
	assert.Len(t, s.catalog.Inherits(parent), 2)
	_, ok := s.catalog.ReadPartBound(extra)
	assert.False(t, ok)
	_, err = route(parent, 250)
	assert.Error(t, err)

	// rolled back prepared detach
	require.NoError(t, ddl.Begin())
	require.NoError(t, ddl.DetachPartition(parent, high, true))
	require.NoError(t, ddl.Prepare("detach"))
	require.Equal(t, 1, pending(parent))
	_, err = app.FinishPrepared("detach", false)
	require.NoError(t, err)
	assert.Zero(t, pending(parent))

	// a committed concurrent detach still goes through
	require.NoError(t, ddl.Begin())
	require.NoError(t, ddl.DetachPartition(parent, high, true))
	_, err = ddl.Commit()
	require.NoError(t, err)
	require.NoError(t, ddl.Begin())
	require.NoError(t, ddl.FinalizeDetach(parent, high))
	_, err = ddl.Commit()
	require.NoError(t, err)
	assert.Len(t, s.catalog.Inherits(parent), 1)
	_, err = route(parent, 150)
	assert.Error(t, err)
}

func TestPreparedTransactionHoldsRowLocks(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	ctx := context.Background()
	p := connect(t, s, "prepare")
	o := connect(t, s, "other")
	tid := rowlock.TupleID{Rel: 16384, Block: 1, Offset: 3}

	xid := beginXid(t, p)
	ok, err := p.LockTuple(ctx, tid, rowlock.ModeExclusive, rowlock.Block)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.Prepare("g1"))
	assert.False(t, p.InTransaction())
	assert.Equal(t, []string{"g1"}, s.PreparedTransactions())

	require.NoError(t, o.Begin())
	_, err = o.LockTuple(ctx, tid, rowlock.ModeKeyShare, rowlock.NoWait)
	assert.True(t, pgerr.IsCode(err, pgerr.LockNotAvailable))
	require.NoError(t, o.Abort())

	// one prepared slot only
	beginXid(t, p)
	assert.True(t, pgerr.IsCode(p.Prepare("g1"), pgerr.DuplicateObject))
	assert.True(t, pgerr.IsCode(p.Prepare("g2"), pgerr.ProgramLimitExceeded))
	require.NoError(t, p.Abort())

	_, err = o.FinishPrepared("nope", true)
	assert.True(t, pgerr.IsCode(err, pgerr.UndefinedObject))

	commitCSN, err := o.FinishPrepared("g1", true)
	require.NoError(t, err)
	assert.True(t, commitCSN.IsNormal())
	assert.True(t, s.status.DidCommit(xid))
	assert.Empty(t, s.PreparedTransactions())

	require.NoError(t, o.Begin())
	ok, err = o.LockTuple(ctx, tid, rowlock.ModeExclusive, rowlock.NoWait)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = o.Commit()
	require.NoError(t, err)
}

func TestAssignCSNForPreparedTransaction(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	x := connect(t, s, "coordinator")

	beginXid(t, x)
	require.NoError(t, x.Prepare("dist"))

	proposed, err := x.PrepareCSN()
	require.NoError(t, err)
	require.NoError(t, x.AssignCSN("dist", proposed))
	got, err := x.FinishPrepared("dist", true)
	require.NoError(t, err)
	assert.Equal(t, proposed, got)
}

func TestRecoveryReplaysWAL(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	first := startShared(t, db, testOptions())
	a, err := first.Connect("a")
	require.NoError(t, err)
	b, err := first.Connect("b")
	require.NoError(t, err)

	tid := rowlock.TupleID{Rel: 16384, Block: 0, Offset: 1}
	xa := beginXid(t, a)
	xb := beginXid(t, b)
	_, err = a.LockTuple(ctx, tid, rowlock.ModeKeyShare, rowlock.Block)
	require.NoError(t, err)
	_, err = b.LockTuple(ctx, tid, rowlock.ModeShare, rowlock.Block)
	require.NoError(t, err)
	holder, ok := first.RowLocks().Holder(tid)
	require.True(t, ok)
	require.True(t, holder.IsMulti())

	_, err = a.Commit()
	require.NoError(t, err)
	require.NoError(t, b.Abort())

	// crash: stop the log without a checkpoint
	first.WAL().Close()

	second := startShared(t, db, testOptions())
	t.Cleanup(func() { _ = second.Close() })

	assert.True(t, second.status.DidCommit(xa))
	assert.True(t, second.status.DidAbort(xb))
	assert.Equal(t, holder.Multi.Next(), second.MultiXactStats().NextMXact)

	members, err := second.MultiXactMembers(holder.Multi)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, xa, members[0].Xid)
	assert.Equal(t, xb, members[1].Xid)

	x := connect(t, second, "after")
	next := beginXid(t, x)
	assert.True(t, transam.Follows(next, xb))
	_, err = x.Commit()
	require.NoError(t, err)
}

func TestCheckpointTrimsWAL(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	x := connect(t, s, "s")
	beginXid(t, x)
	_, err := x.Commit()
	require.NoError(t, err)

	require.NoError(t, s.Checkpoint())
	n := 0
	require.NoError(t, s.WAL().Replay(1, func(wal.Record) error {
		n++
		return nil
	}))
	assert.Zero(t, n)
}

func TestStatsAndWaitEvents(t *testing.T) {
	t.Parallel()

	s := newShared(t)
	connect(t, s, "s")

	code, err := s.RegisterWaitEvent(proc.WaitClassExtension, "ReplicationApply")
	require.NoError(t, err)
	again, err := s.RegisterWaitEvent(proc.WaitClassExtension, "ReplicationApply")
	require.NoError(t, err)
	assert.Equal(t, code, again)

	events, err := s.MatchWaitEvents("replication*")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ReplicationApply", events[0].Name)

	st := s.Stats()
	assert.Equal(t, 1, st.ActiveBackends)
	assert.Equal(t, 1, st.CustomWaitEvents)
	assert.Equal(t, uint32(1), st.MultiXactNext)
	assert.Positive(t, st.SharedMemoryFree)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	c := cfg.Default()
	o, err := OptionsFromConfig(c)
	require.NoError(t, err)
	assert.Nil(t, o.LockPolicy)
	assert.Equal(t, 2*time.Millisecond, o.GroupCommitWait)
	assert.Equal(t, uint32(400_000_000), o.FreezeMaxAge)

	path := filepath.Join(t.TempDir(), "policy.txt")
	ranks := strings.TrimSpace(strings.Repeat("0.5 ", lockpolicy.StateSpace))
	require.NoError(t, os.WriteFile(path, []byte(ranks+"\n"+strings.Repeat("2", lockpolicy.StateSpace)+"\n"), 0o644))
	c.LockPolicy.Enabled = true
	c.LockPolicy.PolicyFile = path
	o, err = OptionsFromConfig(c)
	require.NoError(t, err)
	require.NotNil(t, o.LockPolicy)
	assert.Equal(t, 8*time.Millisecond, o.LockPolicy.Lookup(0).Timeout)

	c.LockPolicy.PolicyFile = filepath.Join(t.TempDir(), "missing")
	_, err = OptionsFromConfig(c)
	assert.True(t, pgerr.IsCode(err, pgerr.ConfigFileError))
}

func TestVacuumTruncatesAndAdvancesLimits(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	opts := testOptions()
	opts.CSNDeferTime = 0
	s := startShared(t, db, opts)
	t.Cleanup(func() { _ = s.Close() })
	x := connect(t, s, "s")

	s.multixact.SetOldestMember(x.b)
	const total = 40_000
	for i := 0; i < total; i++ {
		_, err := s.multixact.CreateSingleton(x.b, transam.TransactionID(1000+i), multixact.StatusForKeyShare)
		require.NoError(t, err)
	}
	require.NoError(t, s.Checkpoint())
	before := s.MultiXactStats()

	offsets := slru.NewPebbleStore(db, "multixact_offset")
	segs, err := offsets.Segments()
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, segs)

	// The session's member horizon pins every MultiXact.
	res, err := s.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, transam.FirstMultiXactID, res.OldestMulti)
	segs, err = offsets.Segments()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, segs)

	s.multixact.AtEOXact(x.b)
	var last transam.TransactionID
	for i := 0; i < 3; i++ {
		last = beginXid(t, x)
		_, err = x.Commit()
		require.NoError(t, err)
	}
	oldXid, _, _, oldXidWrap := s.xids.Limits(x.b)

	res, err = s.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, before.NextMXact, res.OldestMulti)
	assert.True(t, transam.Follows(res.OldestXmin, last))

	segs, err = offsets.Segments()
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, segs)

	after := s.MultiXactStats()
	assert.Equal(t, before.NextMXact, after.OldestMultiXactID)
	assert.True(t, transam.MultiXactPrecedes(before.WrapLimit, after.WrapLimit))
	assert.True(t, transam.MultiXactPrecedes(before.VacLimit, after.VacLimit))

	newXid, _, _, newXidWrap := s.xids.Limits(x.b)
	assert.Equal(t, res.OldestXmin, newXid)
	assert.True(t, transam.Precedes(oldXid, newXid))
	assert.True(t, transam.Precedes(oldXidWrap, newXidWrap))

	_, err = s.MultiXactMembers(transam.MultiXactID(100))
	assert.Error(t, err)
}

func TestVacuumKeepsMultiXactsHeldByRowLocks(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.CSNDeferTime = 0
	s := startShared(t, openTestDB(t), opts)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	a := connect(t, s, "a")
	b := connect(t, s, "b")

	tid := rowlock.TupleID{Rel: 16384, Block: 0, Offset: 1}
	beginXid(t, a)
	beginXid(t, b)
	_, err := a.LockTuple(ctx, tid, rowlock.ModeKeyShare, rowlock.Block)
	require.NoError(t, err)
	_, err = b.LockTuple(ctx, tid, rowlock.ModeKeyShare, rowlock.Block)
	require.NoError(t, err)
	holder, ok := s.RowLocks().Holder(tid)
	require.True(t, ok)
	require.True(t, holder.IsMulti())

	_, err = a.Commit()
	require.NoError(t, err)
	res, err := s.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, holder.Multi, res.OldestMulti)

	members, err := s.MultiXactMembers(holder.Multi)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = b.Commit()
	require.NoError(t, err)
	res, err = s.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, holder.Multi.Next(), res.OldestMulti)
}
