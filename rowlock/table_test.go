package rowlock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/lockpolicy"
	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/multixact"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
	"github.com/maxpert/txcore/slru"
	"github.com/maxpert/txcore/transam"
)

const testProcs = 4

type harness struct {
	table  *Table
	pa     *transam.ProcArray
	status *transam.StatusLog
	locks  *transam.XactLockTable
	mx     *multixact.Manager
	policy *lockpolicy.Hook
	bs     []*proc.Backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	seg, err := shmem.NewSegment(0x726f77, 16<<20)
	require.NoError(t, err)
	arr := lwlock.NewArray()
	xids, err := transam.NewXidGen(seg, arr, "postgres")
	require.NoError(t, err)

	h := &harness{
		pa:     transam.NewProcArray(arr, xids, testProcs),
		status: transam.NewStatusLog(),
		locks:  transam.NewXactLockTable(transam.NewSubTrans()),
	}
	h.mx, err = multixact.NewManager(seg, arr, multixact.Deps{
		ProcArray: h.pa,
		Status:    h.status,
		XactLocks: h.locks,
		Xids:      xids,
	}, multixact.Options{
		OffsetBuffers: 16,
		MemberBuffers: 16,
		OffsetStore:   slru.NewMemoryStore(),
		MemberStore:   slru.NewMemoryStore(),
		FreezeMaxAge:  400_000_000,
		Database:      "postgres",
		TotalProcs:    testProcs,
	})
	require.NoError(t, err)
	h.policy, err = lockpolicy.NewHook(seg, arr, nil)
	require.NoError(t, err)

	for i := 0; i < testProcs; i++ {
		b := proc.NewBackend(proc.ProcNumber(i), "test")
		b.SetAbortHook(func(err error) { panic(err) })
		h.bs = append(h.bs, b)
	}
	require.NoError(t, h.mx.Bootstrap(h.bs[0]))

	h.table = NewTable(Deps{ProcArray: h.pa, XactLocks: h.locks, MultiXact: h.mx, Policy: h.policy})
	return h
}

func (h *harness) begin(t *testing.T, n int) transam.TransactionID {
	t.Helper()
	xid, err := h.pa.AssignTransactionID(h.bs[n], proc.ProcNumber(n), false)
	require.NoError(t, err)
	h.locks.Lock(proc.ProcNumber(n), xid)
	return xid
}

func (h *harness) end(n int, xid transam.TransactionID) {
	h.status.SetTreeStatus(xid, nil, transam.StatusCommitted)
	h.pa.Remove(h.bs[n], proc.ProcNumber(n))
	h.locks.Unlock(xid)
	h.table.ReleaseXact(h.bs[n], xid)
	h.mx.AtEOXact(h.bs[n])
}

func (h *harness) lock(t *testing.T, n int, xid transam.TransactionID, tid TupleID, mode Mode) {
	t.Helper()
	ok, err := h.table.Lock(context.Background(), h.bs[n], xid, tid, mode, Block)
	require.NoError(t, err)
	require.True(t, ok)
}

var tup = TupleID{Rel: 16384, Block: 3, Offset: 7}

func TestConflictMatrix(t *testing.T) {
	t.Parallel()

	assert.False(t, Conflicts(ModeKeyShare, ModeKeyShare))
	assert.False(t, Conflicts(ModeKeyShare, ModeNoKeyExclusive))
	assert.True(t, Conflicts(ModeKeyShare, ModeExclusive))
	assert.False(t, Conflicts(ModeShare, ModeShare))
	assert.True(t, Conflicts(ModeShare, ModeNoKeyExclusive))
	assert.True(t, Conflicts(ModeNoKeyExclusive, ModeNoKeyExclusive))
	for a := ModeKeyShare; a <= ModeExclusive; a++ {
		for b := ModeKeyShare; b <= ModeExclusive; b++ {
			assert.Equal(t, Conflicts(a, b), Conflicts(b, a), "%s vs %s", a, b)
		}
		assert.Equal(t, a, ModeOf(a.LockStatus()))
	}
	assert.Equal(t, ModeExclusive, ModeOf(multixact.StatusUpdate))
	assert.Equal(t, ModeNoKeyExclusive, ModeOf(ModeShare.UpdateStatus()))
}

func TestSingleLockerAndRelock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	h.lock(t, 0, x0, tup, ModeShare)

	got, ok := h.table.Holder(tup)
	require.True(t, ok)
	assert.Equal(t, Holder{Xid: x0, Mode: ModeShare}, got)

	h.lock(t, 0, x0, tup, ModeExclusive)
	got, _ = h.table.Holder(tup)
	assert.Equal(t, ModeExclusive, got.Mode)
	h.lock(t, 0, x0, tup, ModeKeyShare)
	got, _ = h.table.Holder(tup)
	assert.Equal(t, ModeExclusive, got.Mode, "a weaker relock keeps the stronger mode")

	assert.Equal(t, []TupleID{tup}, h.table.LocksByXact(x0))
	assert.Equal(t, 1, h.bs[0].LockStats().Writes)
	assert.Equal(t, 2, h.bs[0].LockStats().Reads)

	h.end(0, x0)
	_, ok = h.table.Holder(tup)
	assert.False(t, ok)
	assert.Zero(t, h.table.Len())
}

func TestSecondLockerCreatesMultiXact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	x2 := h.begin(t, 2)

	h.lock(t, 0, x0, tup, ModeShare)
	h.lock(t, 1, x1, tup, ModeShare)
	got, _ := h.table.Holder(tup)
	require.True(t, got.IsMulti())
	first := got.Multi

	lockers, err := h.table.Lockers(h.bs[3], tup)
	require.NoError(t, err)
	assert.Equal(t, []multixact.Member{
		{Xid: x0, Status: multixact.StatusForShare},
		{Xid: x1, Status: multixact.StatusForShare},
	}, lockers)

	h.lock(t, 2, x2, tup, ModeKeyShare)
	got, _ = h.table.Holder(tup)
	assert.NotEqual(t, first, got.Multi, "expanding makes a new MultiXact")
	assert.Equal(t, ModeShare, got.Mode)

	lockers, err = h.table.Lockers(h.bs[3], tup)
	require.NoError(t, err)
	assert.Len(t, lockers, 3)

	old, err := h.mx.GetMembers(h.bs[3], first, false)
	require.NoError(t, err)
	assert.Len(t, old, 2, "the expanded MultiXact is unchanged")

	h.end(0, x0)
	h.end(1, x1)
	_, ok := h.table.Holder(tup)
	assert.True(t, ok, "x2 still holds the lock")
	h.end(2, x2)
	_, ok = h.table.Holder(tup)
	assert.False(t, ok)
}

func TestConflictNoWaitAndSkipLocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	h.lock(t, 0, x0, tup, ModeNoKeyExclusive)

	_, err := h.table.Lock(context.Background(), h.bs[1], x1, tup, ModeShare, NoWait)
	require.Error(t, err)
	assert.Equal(t, pgerr.LockNotAvailable, pgerr.CodeOf(err))

	ok, err := h.table.Lock(context.Background(), h.bs[1], x1, tup, ModeShare, SkipLocked)
	require.NoError(t, err)
	assert.False(t, ok)

	// Key share does not conflict with no-key update.
	h.lock(t, 1, x1, tup, ModeKeyShare)
	got, _ := h.table.Holder(tup)
	assert.True(t, got.IsMulti())

	assert.Equal(t, uint64(2), h.policy.Counts(tup.hash()).Conflicts)
}

func TestBlockedLockerWaitsForHolder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	h.lock(t, 0, x0, tup, ModeExclusive)

	done := make(chan error, 1)
	go func() {
		_, err := h.table.Lock(context.Background(), h.bs[1], x1, tup, ModeShare, Block)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return h.bs[1].WaitEventInfo() == proc.WaitEventTransactionID
	}, time.Second, time.Millisecond)

	h.end(0, x0)
	require.NoError(t, <-done)
	got, _ := h.table.Holder(tup)
	assert.Equal(t, Holder{Xid: x1, Mode: ModeShare}, got)
}

func TestBlockedLockerWaitsForMultiXact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	x2 := h.begin(t, 2)
	h.lock(t, 0, x0, tup, ModeShare)
	h.lock(t, 1, x1, tup, ModeKeyShare)

	done := make(chan error, 1)
	go func() {
		_, err := h.table.Lock(context.Background(), h.bs[2], x2, tup, ModeNoKeyExclusive, Block)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return h.bs[2].WaitEventInfo() == proc.WaitEventTransactionID
	}, time.Second, time.Millisecond)

	// Only the share locker conflicts.
	h.end(0, x0)
	require.NoError(t, <-done)

	lockers, err := h.table.Lockers(h.bs[3], tup)
	require.NoError(t, err)
	assert.Equal(t, []multixact.Member{
		{Xid: x1, Status: multixact.StatusForKeyShare},
		{Xid: x2, Status: multixact.StatusForNoKeyUpdate},
	}, lockers)
}

func TestLockTimeoutFromPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ranks := strings.TrimSpace(strings.Repeat("1 ", lockpolicy.StateSpace))
	p, err := lockpolicy.ParsePolicy(strings.NewReader(ranks + "\n" + strings.Repeat("1", lockpolicy.StateSpace)))
	require.NoError(t, err)
	h.policy.SetPolicy(p)

	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	h.lock(t, 0, x0, tup, ModeExclusive)

	_, err = h.table.Lock(context.Background(), h.bs[1], x1, tup, ModeExclusive, Block)
	require.Error(t, err)
	assert.Equal(t, pgerr.LockNotAvailable, pgerr.CodeOf(err))
	assert.Equal(t, 4*time.Millisecond, h.bs[1].LockTimeout())
}

func TestCanceledWait(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	h.lock(t, 0, x0, tup, ModeExclusive)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.table.Lock(ctx, h.bs[1], x1, tup, ModeShare, Block)
	assert.True(t, pgerr.IsCode(err, pgerr.QueryCanceled))
}

func TestEndedHolderIsReplaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	h.lock(t, 0, x0, tup, ModeExclusive)
	// End without releasing, as after a crash of the holder's session.
	h.pa.Remove(h.bs[0], 0)
	h.locks.Unlock(x0)

	x1 := h.begin(t, 1)
	ok, err := h.table.Lock(context.Background(), h.bs[1], x1, tup, ModeExclusive, NoWait)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := h.table.Holder(tup)
	assert.Equal(t, x1, got.Xid)
}

func TestReleaseByRelation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	x0 := h.begin(t, 0)
	other := TupleID{Rel: 16385, Block: 1, Offset: 1}
	h.lock(t, 0, x0, tup, ModeShare)
	h.lock(t, 0, x0, other, ModeShare)
	require.True(t, h.table.HasLocksForRelation(tup.Rel))

	h.table.ReleaseByRelation(tup.Rel)
	assert.False(t, h.table.HasLocksForRelation(tup.Rel))
	assert.Equal(t, []TupleID{other}, h.table.LocksByXact(x0))
	assert.Equal(t, 1, h.table.Len())

	_, err := h.table.Lock(context.Background(), h.bs[0], transam.InvalidTransactionID, tup, ModeShare, Block)
	assert.True(t, pgerr.IsCode(err, pgerr.InvalidParameterValue))
}

func TestOldestMulti(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	assert.False(t, h.table.OldestMulti().IsValid())

	x0 := h.begin(t, 0)
	x1 := h.begin(t, 1)
	x2 := h.begin(t, 2)
	other := TupleID{Rel: 16390, Block: 1, Offset: 1}

	h.lock(t, 0, x0, tup, ModeKeyShare)
	h.lock(t, 1, x1, tup, ModeKeyShare)
	first, _ := h.table.Holder(tup)
	require.True(t, first.IsMulti())

	h.lock(t, 1, x1, other, ModeKeyShare)
	h.lock(t, 2, x2, other, ModeKeyShare)
	second, _ := h.table.Holder(other)
	require.True(t, second.IsMulti())
	require.True(t, transam.MultiXactPrecedes(first.Multi, second.Multi))

	assert.Equal(t, first.Multi, h.table.OldestMulti())

	h.end(0, x0)
	h.end(1, x1)
	h.end(2, x2)
	assert.False(t, h.table.OldestMulti().IsValid())
}
