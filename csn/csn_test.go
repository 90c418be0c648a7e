package csn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/transam"
	"github.com/maxpert/txcore/wal"
)

type harness struct {
	engine *Engine
	xids   *transam.XidGen
	pa     *transam.ProcArray
	sub    *transam.SubTrans
	status *transam.StatusLog
	locks  *transam.XactLockTable
	bs     []*proc.Backend
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	seg, err := shmem.NewSegment(0x63736e, 8<<20)
	require.NoError(t, err)
	arr := lwlock.NewArray()
	xids, err := transam.NewXidGen(seg, arr, "postgres")
	require.NoError(t, err)

	h := &harness{
		xids:   xids,
		pa:     transam.NewProcArray(arr, xids, 4),
		sub:    transam.NewSubTrans(),
		status: transam.NewStatusLog(),
	}
	h.locks = transam.NewXactLockTable(h.sub)
	if opts.Store == nil {
		opts.Store = slru.NewMemoryStore()
	}
	if opts.LogBuffers == 0 {
		opts.LogBuffers = 32
	}
	h.engine, err = NewEngine(seg, arr, Deps{
		ProcArray: h.pa,
		SubTrans:  h.sub,
		Status:    h.status,
		XactLocks: h.locks,
	}, opts)
	require.NoError(t, err)
	xids.OnExtend(h.engine.ExtendLog)
	for i := 0; i < 4; i++ {
		h.bs = append(h.bs, proc.NewBackend(proc.ProcNumber(i), "test"))
	}
	return h
}

func (h *harness) begin(t *testing.T, n int) transam.TransactionID {
	t.Helper()
	xid, err := h.pa.AssignTransactionID(h.bs[n], proc.ProcNumber(n), false)
	require.NoError(t, err)
	h.locks.Lock(proc.ProcNumber(n), xid)
	return xid
}

func (h *harness) subxact(t *testing.T, n int, parent transam.TransactionID) transam.TransactionID {
	t.Helper()
	xid, err := h.pa.AssignTransactionID(h.bs[n], proc.ProcNumber(n), true)
	require.NoError(t, err)
	h.sub.SetParent(xid, parent)
	return xid
}

// precommit runs the commit steps up to leaving the proc array.
func (h *harness) precommit(t *testing.T, n int, xid transam.TransactionID, subxids ...transam.TransactionID) {
	t.Helper()
	require.NoError(t, h.engine.Precommit(h.bs[n], proc.ProcNumber(n), xid, subxids))
	h.status.SetTreeStatus(xid, subxids, transam.StatusCommitted)
	h.pa.Remove(h.bs[n], proc.ProcNumber(n))
}

func (h *harness) finish(t *testing.T, n int, xid transam.TransactionID, subxids ...transam.TransactionID) transam.CSN {
	t.Helper()
	csn, err := h.engine.Commit(h.bs[n], proc.ProcNumber(n), xid, subxids)
	require.NoError(t, err)
	h.locks.Unlock(xid)
	return csn
}

func TestClockMonotonic(t *testing.T) {
	t.Parallel()

	var last atomicCSN
	c := newClock(&last.Uint64, 0)
	c.now = func() int64 { return 1_000 }

	var mu sync.Mutex
	seen := make(map[transam.CSN]bool)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := transam.CSN(0)
			for i := 0; i < 500; i++ {
				v := c.Generate(transam.InvalidCSN)
				assert.Greater(t, v, prev)
				prev = v
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 4000)
	assert.Equal(t, transam.CSN(1_000+3_999), c.Last())

	assert.Equal(t, transam.CSN(1_000_000), c.Generate(1_000_000))
	assert.Equal(t, transam.CSN(1_000_001), c.Generate(transam.InvalidCSN))
}

func TestClockShift(t *testing.T) {
	t.Parallel()

	var last atomicCSN
	c := newClock(&last.Uint64, 10*time.Second)
	before := time.Now()
	csn := c.Generate(transam.InvalidCSN)
	assert.GreaterOrEqual(t, int64(csn), before.UnixNano()+int64(10*time.Second))
	assert.WithinDuration(t, before, c.PhysicalTime(csn), time.Second)
}

func TestLogSetGetAcrossPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	b := h.bs[0]
	for _, p := range []int64{0, 1, 2} {
		require.NoError(t, h.engine.log.zeroPage(b, p))
	}

	subxids := []transam.TransactionID{xidsPerPage + 5, 2*xidsPerPage + 1}
	require.NoError(t, h.engine.log.SetCSN(b, 10, subxids, 777))
	for _, x := range append([]transam.TransactionID{10}, subxids...) {
		csn, err := h.engine.log.GetCSN(b, x)
		require.NoError(t, err)
		assert.Equal(t, transam.CSN(777), csn)
	}
	csn, err := h.engine.log.GetCSN(b, 11)
	require.NoError(t, err)
	assert.Equal(t, transam.InProgressCSN, csn)
	assert.False(t, lwlock.AnyHeld(b))
}

func TestPagePrecedesWraps(t *testing.T) {
	t.Parallel()

	assert.True(t, pagePrecedes(1, 2))
	assert.False(t, pagePrecedes(2, 1))
	assert.False(t, pagePrecedes(7, 7))
	// Half the XID space ahead wraps around to "older".
	half := int64(1<<31) / xidsPerPage
	assert.True(t, pagePrecedes(half+10, 5))
}

func TestCommitWritesCSNForTreeAndVisibility(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	reader := h.engine.TakeSnapshot(h.bs[1], 1)

	xid := h.begin(t, 0)
	sub := h.subxact(t, 0, xid)
	before := h.engine.TakeSnapshot(h.bs[2], 2)
	assert.True(t, before.XidInSnapshot(xid))

	h.precommit(t, 0, xid, sub)
	csn := h.finish(t, 0, xid, sub)
	require.True(t, csn.IsNormal())

	for _, x := range []transam.TransactionID{xid, sub} {
		got, err := h.engine.log.GetCSN(h.bs[1], x)
		require.NoError(t, err)
		assert.Equal(t, csn, got)
	}

	ctx := context.Background()
	visible, err := h.engine.XidVisible(ctx, h.bs[2], sub, before)
	require.NoError(t, err)
	assert.False(t, visible, "committed after the snapshot")

	after := h.engine.TakeSnapshot(h.bs[3], 3)
	visible, err = h.engine.XidVisible(ctx, h.bs[3], xid, after)
	require.NoError(t, err)
	assert.True(t, visible)

	// The reader's snapshot predates the XID entirely.
	visible, err = h.engine.XidVisible(ctx, h.bs[1], xid, reader)
	require.NoError(t, err)
	assert.False(t, visible)
}

func TestAbortWritesAborted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	xid := h.begin(t, 0)
	view := h.engine.TakeSnapshot(h.bs[2], 2)
	view.CSN = transam.CSN(1 << 62)

	require.NoError(t, h.engine.Abort(h.bs[0], 0, xid, nil))
	h.status.SetTreeStatus(xid, nil, transam.StatusAborted)
	h.pa.Remove(h.bs[0], 0)
	h.locks.Unlock(xid)

	csn, err := h.engine.XidCSN(context.Background(), h.bs[2], xid, view)
	require.NoError(t, err)
	assert.Equal(t, transam.AbortedCSN, csn)
}

func TestSentinelXids(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	snap := h.engine.TakeSnapshot(h.bs[0], 0)
	ctx := context.Background()

	csn, err := h.engine.XidCSN(ctx, h.bs[0], transam.InvalidTransactionID, snap)
	require.NoError(t, err)
	assert.Equal(t, transam.AbortedCSN, csn)

	csn, err = h.engine.XidCSN(ctx, h.bs[0], transam.FrozenTransactionID, snap)
	require.NoError(t, err)
	assert.Equal(t, transam.FrozenCSN, csn)

	visible, err := h.engine.XidVisible(ctx, h.bs[0], transam.BootstrapTransactionID, snap)
	require.NoError(t, err)
	assert.True(t, visible)
}

func TestInDoubtWaitResolvesOnCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	xid := h.begin(t, 0)
	snap := h.engine.TakeSnapshot(h.bs[1], 1)
	require.True(t, snap.XidInSnapshot(xid))

	require.NoError(t, h.engine.AssignCSN(h.bs[0], 0, xid, nil, 100))
	h.precommit(t, 0, xid)

	got, err := h.engine.log.GetCSN(h.bs[1], xid)
	require.NoError(t, err)
	require.Equal(t, transam.InDoubtCSN, got)

	result := make(chan transam.CSN, 1)
	go func() {
		csn, err := h.engine.XidCSN(context.Background(), h.bs[1], xid, snap)
		assert.NoError(t, err)
		result <- csn
	}()

	require.Eventually(t, func() bool {
		return h.bs[1].WaitEventInfo() == proc.WaitEventTransactionID
	}, time.Second, time.Millisecond)
	select {
	case <-result:
		t.Fatal("reader did not wait for the committing transaction")
	default:
	}

	assert.Equal(t, transam.CSN(100), h.finish(t, 0, xid))
	assert.Equal(t, transam.CSN(100), <-result)

	visible, err := h.engine.XidVisible(context.Background(), h.bs[1], xid, snap)
	require.NoError(t, err)
	assert.True(t, visible, "100 precedes the snapshot CSN")

	early := snap.Copy()
	early.CSN = 50
	visible, err = h.engine.XidVisible(context.Background(), h.bs[1], xid, early)
	require.NoError(t, err)
	assert.False(t, visible)
}

func TestInDoubtWaitOnSubxidUsesTopLevelLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	top := h.begin(t, 0)
	sub := h.subxact(t, 0, top)
	snap := h.engine.TakeSnapshot(h.bs[1], 1)
	h.precommit(t, 0, top, sub)

	result := make(chan transam.CSN, 1)
	go func() {
		csn, err := h.engine.XidCSN(context.Background(), h.bs[1], sub, snap)
		assert.NoError(t, err)
		result <- csn
	}()
	require.Eventually(t, func() bool {
		return h.bs[1].WaitEventInfo() == proc.WaitEventTransactionID
	}, time.Second, time.Millisecond)

	csn := h.finish(t, 0, top, sub)
	assert.Equal(t, csn, <-result)
}

func TestDisabledEngine(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: false})
	snap := h.engine.TakeSnapshot(h.bs[0], 0)
	assert.Equal(t, transam.InvalidCSN, snap.CSN)

	_, err := h.engine.ExportSnapshot(snap)
	assert.True(t, pgerr.IsCode(err, pgerr.ObjectNotInPrerequisiteState))
	_, err = h.engine.PrepareCSN()
	assert.True(t, pgerr.IsCode(err, pgerr.ObjectNotInPrerequisiteState))

	xid := h.begin(t, 0)
	require.NoError(t, h.engine.Precommit(h.bs[0], 0, xid, nil))
	csn, err := h.engine.Commit(h.bs[0], 0, xid, nil)
	require.NoError(t, err)
	assert.Equal(t, transam.InvalidCSN, csn)
}

func TestXminMapBackfillsGaps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true, DeferTime: 5})
	b := h.bs[0]
	sec := func(s float64) transam.CSN { return transam.CSN(s * float64(time.Second)) }

	h.xids.AdvanceNextXid(b, 100)
	h.engine.MapXmin(b, sec(10.5))
	assert.Equal(t, int64(11), h.engine.MapHeadSecond())
	assert.Equal(t, transam.TransactionID(101), h.engine.ToXmin(b, sec(11.2)))
	assert.Equal(t, transam.TransactionID(101), h.engine.ToXmin(b, sec(20)), "ahead of the map")
	assert.Equal(t, transam.TransactionID(101), h.engine.ToXmin(b, sec(7)))
	assert.Equal(t, transam.InvalidTransactionID, h.engine.ToXmin(b, sec(6)), "outside the window")

	// fast path: same second does not move the map
	h.xids.AdvanceNextXid(b, 150)
	h.engine.MapXmin(b, sec(10.9))
	assert.Equal(t, transam.TransactionID(101), h.engine.ToXmin(b, sec(11)))

	h.engine.MapXmin(b, sec(13.5))
	assert.Equal(t, int64(14), h.engine.MapHeadSecond())
	assert.Equal(t, transam.TransactionID(151), h.engine.ToXmin(b, sec(14)))
	assert.Equal(t, transam.TransactionID(101), h.engine.ToXmin(b, sec(12)), "gap holds the previous head")
	assert.Equal(t, transam.TransactionID(101), h.engine.ToXmin(b, sec(13)))

	prev := transam.InvalidTransactionID
	for s := 10.0; s <= 14; s++ {
		x := h.engine.ToXmin(b, sec(s))
		if prev.IsValid() && x.IsValid() {
			assert.True(t, transam.PrecedesOrEquals(prev, x), "second %v", s)
		}
		prev = x
	}

	assert.Equal(t, transam.TransactionID(101), h.pa.CSNSnapshotXmin())
}

// requireXminMapMonotone walks the window ending at the head second and
// checks that no second maps to an older xmin than the one before it.
func requireXminMapMonotone(t *testing.T, h *harness, window int64) {
	t.Helper()
	b := h.bs[0]
	head := h.engine.MapHeadSecond()
	prev := transam.InvalidTransactionID
	for s := max(head-window+1, 1); s <= head; s++ {
		x := h.engine.ToXmin(b, transam.CSN(s*nsPerSec))
		if prev.IsValid() && x.IsValid() {
			require.True(t, transam.PrecedesOrEquals(prev, x), "second %d maps to %d after %d", s, x, prev)
		}
		if x.IsValid() {
			prev = x
		}
	}
}

func TestXminMapHorizonReadUnderLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true, DeferTime: 5})
	m := h.engine.xmins
	sec := func(s float64) transam.CSN { return transam.CSN(s * float64(time.Second)) }

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.record(h.bs[0], sec(10.5), func() transam.TransactionID {
			close(entered)
			<-release
			return 100
		})
	}()
	<-entered

	// A later horizon for an earlier second must not land while the first
	// recorder is still computing its own.
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.record(h.bs[1], sec(9.5), func() transam.TransactionID { return 105 })
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(11), m.headSecond())
	assert.Equal(t, transam.TransactionID(100), h.engine.ToXmin(h.bs[0], sec(11)))
	assert.Equal(t, transam.TransactionID(100), h.engine.ToXmin(h.bs[0], sec(10)))
	requireXminMapMonotone(t, h, 5)
}

func TestXminMapMonotoneUnderConcurrentCallers(t *testing.T) {
	t.Parallel()

	const window = 16
	h := newHarness(t, Options{Enabled: true, DeferTime: window})
	ctx := context.Background()

	var clock atomic.Int64
	clock.Store(100)
	var wg sync.WaitGroup
	for _, b := range h.bs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := clock.Add(1)
				h.xids.AdvanceNextXid(b, transam.TransactionID(100+s))
				h.engine.MapXmin(b, transam.CSN(s*nsPerSec+nsPerSec/2))
				if j%50 == 0 {
					assert.NoError(t, h.engine.Sync(ctx, b, h.engine.Clock().Last()))
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100+4*200+1), h.engine.MapHeadSecond())
	requireXminMapMonotone(t, h, window)
}

func TestImportSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true, DeferTime: 30})
	ctx := context.Background()

	exported := h.engine.TakeSnapshot(h.bs[0], 0)
	csn, err := h.engine.ExportSnapshot(exported)
	require.NoError(t, err)

	xid := h.begin(t, 2)
	h.precommit(t, 2, xid)
	h.finish(t, 2, xid)

	imported, err := h.engine.ImportSnapshot(ctx, h.bs[1], 1, csn)
	require.NoError(t, err)
	assert.True(t, imported.Imported)
	assert.Equal(t, csn, imported.CSN)
	assert.Equal(t, h.pa.Entry(1).Xmin, imported.TransactionXmin)

	visible, err := h.engine.XidVisible(ctx, h.bs[1], xid, imported)
	require.NoError(t, err)
	assert.False(t, visible, "committed after the exported CSN")

	_, err = h.engine.ImportSnapshot(ctx, h.bs[1], 1, transam.CSN(time.Second))
	require.Error(t, err)
	assert.True(t, pgerr.IsCode(err, pgerr.SnapshotTooOld))
}

func TestImportRequiresDeferTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	_, err := h.engine.ImportSnapshot(context.Background(), h.bs[0], 0, transam.CSN(time.Now().UnixNano()))
	assert.True(t, pgerr.IsCode(err, pgerr.ObjectNotInPrerequisiteState))
}

func TestSyncWaitsForRemoteClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{Enabled: true})
	remote := h.engine.GenerateCSN(transam.InvalidCSN) + transam.CSN(20*time.Millisecond)
	start := time.Now()
	require.NoError(t, h.engine.Sync(context.Background(), h.bs[0], remote))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.GreaterOrEqual(t, h.engine.Clock().Last(), remote)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.engine.Sync(ctx, h.bs[0], remote+transam.CSN(time.Hour))
	assert.True(t, pgerr.IsCode(err, pgerr.QueryCanceled))
}

func TestRedoRebuildsLog(t *testing.T) {
	t.Parallel()

	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	defer db.Close()
	w, err := wal.Open(db, wal.Options{})
	require.NoError(t, err)
	defer w.Close()

	h := newHarness(t, Options{Enabled: true, WAL: w})
	xid := h.begin(t, 0)
	h.precommit(t, 0, xid)
	csn := h.finish(t, 0, xid)

	fresh := newHarness(t, Options{Enabled: true})
	require.NoError(t, w.Replay(0, func(rec wal.Record) error {
		require.Equal(t, wal.RmgrCSN, rec.Rmgr)
		return fresh.engine.Redo(fresh.bs[0], rec)
	}))
	got, err := fresh.engine.log.GetCSN(fresh.bs[0], xid)
	require.NoError(t, err)
	assert.Equal(t, csn, got)
}
