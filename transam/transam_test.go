package transam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
)

func newXidGen(t *testing.T) (*XidGen, *lwlock.Array) {
	t.Helper()
	seg, err := shmem.NewSegment(0x7472616e, 1<<20)
	require.NoError(t, err)
	locks := lwlock.NewArray()
	g, err := NewXidGen(seg, locks, "postgres")
	require.NoError(t, err)
	return g, locks
}

func TestPrecedes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b TransactionID
		want bool
	}{
		{3, 4, true},
		{4, 3, false},
		{4, 4, false},
		{0xFFFFFFF0, 10, true},
		{10, 0xFFFFFFF0, false},
		{FrozenTransactionID, 3, true},
		{3, FrozenTransactionID, false},
		{InvalidTransactionID, BootstrapTransactionID, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Precedes(tc.a, tc.b), "%d < %d", tc.a, tc.b)
	}
	assert.True(t, PrecedesOrEquals(7, 7))
	assert.True(t, Follows(10, 0xFFFFFFF0))
	assert.Equal(t, TransactionID(5), Older(InvalidTransactionID, 5))
	assert.Equal(t, TransactionID(0xFFFFFFF0), Older(10, 0xFFFFFFF0))

	assert.Equal(t, FirstNormalTransactionID, MaxTransactionID.Next())
	assert.Equal(t, MaxTransactionID, TransactionID(5).Retreat(3))

	assert.True(t, MultiXactPrecedes(MaxMultiXactID, 5))
	assert.Equal(t, FirstMultiXactID, MaxMultiXactID.Next())
}

func TestFullTransactionID(t *testing.T) {
	t.Parallel()

	f := FullFromEpochAndXid(1, MaxTransactionID)
	next := f.Next()
	assert.Equal(t, uint32(2), next.Epoch())
	assert.Equal(t, FirstNormalTransactionID, next.XID())
}

func TestCSNSentinels(t *testing.T) {
	t.Parallel()

	assert.True(t, InProgressCSN.IsInProgress())
	assert.False(t, InDoubtCSN.IsNormal())
	assert.True(t, FirstNormalCSN.IsNormal())
	assert.Equal(t, "in-doubt", InDoubtCSN.String())
	assert.Equal(t, "100", CSN(100).String())
}

func TestSnapshotXidInSnapshot(t *testing.T) {
	t.Parallel()

	s := &Snapshot{Xmin: 100, Xmax: 110, Xip: []TransactionID{103, 105}}
	assert.False(t, s.XidInSnapshot(99))
	assert.False(t, s.XidInSnapshot(104))
	assert.True(t, s.XidInSnapshot(105))
	assert.True(t, s.XidInSnapshot(110))
	assert.True(t, s.XidInSnapshot(200))

	c := s.Copy()
	c.Xip[0] = 1
	assert.Equal(t, TransactionID(103), s.Xip[0])
}

func TestXidGenAssignsAndExtends(t *testing.T) {
	t.Parallel()

	g, _ := newXidGen(t)
	b := proc.NewBackend(0, "test")
	var extended, published []TransactionID
	g.OnExtend(func(_ *proc.Backend, xid TransactionID) error {
		extended = append(extended, xid)
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := g.GetNewTransactionID(b, func(xid TransactionID) { published = append(published, xid) })
		require.NoError(t, err)
	}
	assert.Equal(t, []TransactionID{3, 4, 5}, extended)
	assert.Equal(t, extended, published)
	assert.Equal(t, TransactionID(6), g.ReadNextFullTransactionID(b).XID())

	g.AdvanceNextXid(b, 100)
	assert.Equal(t, TransactionID(101), g.ReadNextFullTransactionID(b).XID())
	g.AdvanceNextXid(b, 50)
	assert.Equal(t, TransactionID(101), g.ReadNextFullTransactionID(b).XID())
}

func TestXidGenStopLimit(t *testing.T) {
	t.Parallel()

	g, _ := newXidGen(t)
	b := proc.NewBackend(0, "test")

	// Pretend the oldest XID is just past the wrap horizon of the counter.
	g.SetLimits(b, TransactionID(0x80000000)+FirstNormalTransactionID+10, 200_000_000)
	_, warn, stop, wrap := g.Limits(b)
	assert.True(t, Precedes(warn, stop))
	assert.True(t, Precedes(stop, wrap))

	_, err := g.GetNewTransactionID(b, nil)
	require.Error(t, err)
	assert.True(t, pgerr.IsCode(err, pgerr.ProgramLimitExceeded))
	assert.Contains(t, err.Error(), "avoid wraparound data loss")
}

func TestProcArraySnapshot(t *testing.T) {
	t.Parallel()

	g, locks := newXidGen(t)
	pa := NewProcArray(locks, g, 4)
	bs := []*proc.Backend{proc.NewBackend(0, "a"), proc.NewBackend(1, "b"), proc.NewBackend(2, "c")}

	x0, err := pa.AssignTransactionID(bs[0], 0, false)
	require.NoError(t, err)
	x1, err := pa.AssignTransactionID(bs[1], 1, false)
	require.NoError(t, err)
	sub, err := pa.AssignTransactionID(bs[1], 1, true)
	require.NoError(t, err)

	snap := pa.GetSnapshot(bs[2], 2)
	assert.Equal(t, x0, snap.Xmin)
	assert.Equal(t, sub+1, snap.Xmax)
	assert.ElementsMatch(t, []TransactionID{x0, x1, sub}, snap.Xip)
	assert.Equal(t, x0, snap.TransactionXmin)

	assert.True(t, pa.IsInProgress(bs[2], sub))
	assert.Equal(t, 2, pa.Running(bs[2]))

	pa.Remove(bs[0], 0)
	assert.False(t, pa.IsInProgress(bs[2], x0))

	// backend 2 still pins its snapshot xmin
	assert.Equal(t, x0, pa.OldestXmin(bs[2], false))
	pa.ClearXmin(bs[2], 2)
	assert.Equal(t, x1, pa.OldestXmin(bs[2], false))
}

func TestProcArrayImportedXmin(t *testing.T) {
	t.Parallel()

	g, locks := newXidGen(t)
	pa := NewProcArray(locks, g, 2)
	b := proc.NewBackend(0, "a")
	g.AdvanceNextXid(b, 500)

	snap := pa.GetSnapshot(b, 0)
	require.Equal(t, TransactionID(501), snap.Xmin)

	pa.SetImportedXmin(b, 0, 300)
	assert.Equal(t, TransactionID(300), pa.OldestXmin(b, false))
	assert.Equal(t, TransactionID(501), pa.OldestXmin(b, true))

	pa.SetCSNSnapshotXmin(200)
	assert.Equal(t, TransactionID(200), pa.OldestXmin(b, false))
	assert.Equal(t, TransactionID(501), pa.OldestXmin(b, true))
}

func TestProcArrayTransfer(t *testing.T) {
	t.Parallel()

	g, locks := newXidGen(t)
	pa := NewProcArray(locks, g, 3)
	b := proc.NewBackend(0, "a")
	xid, err := pa.AssignTransactionID(b, 0, false)
	require.NoError(t, err)
	pa.Entry(0).AssignedCSN.Store(uint64(InDoubtCSN))

	pa.Transfer(b, 0, 2)
	assert.Equal(t, xid, pa.Entry(2).Xid)
	assert.Equal(t, uint64(InDoubtCSN), pa.Entry(2).AssignedCSN.Load())
	assert.False(t, pa.Entry(0).InUse)
	assert.True(t, pa.IsInProgress(b, xid))
}

func TestStatusLog(t *testing.T) {
	t.Parallel()

	l := NewStatusLog()
	assert.Equal(t, StatusInProgress, l.Get(10))
	assert.True(t, l.DidAbort(InvalidTransactionID))
	assert.True(t, l.DidCommit(FrozenTransactionID))

	l.SetTreeStatus(10, []TransactionID{11, 12}, StatusCommitted)
	assert.True(t, l.DidCommit(11))
	assert.True(t, l.DidCommit(10))

	l.SetTreeStatus(20, []TransactionID{21}, StatusAborted)
	assert.True(t, l.DidAbort(21))

	l.Truncate(15)
	assert.Equal(t, StatusInProgress, l.Get(10))
	assert.True(t, l.DidAbort(20))
}

func TestSubTrans(t *testing.T) {
	t.Parallel()

	s := NewSubTrans()
	s.SetParent(11, 10)
	s.SetParent(12, 11)
	assert.Equal(t, TransactionID(11), s.GetParent(12))
	assert.Equal(t, TransactionID(10), s.GetTopmost(12))
	assert.Equal(t, TransactionID(10), s.GetTopmost(10))

	s.Truncate(12)
	assert.Equal(t, InvalidTransactionID, s.GetParent(11))
	assert.Equal(t, TransactionID(11), s.GetParent(12))
}

func TestXactLockWait(t *testing.T) {
	t.Parallel()

	sub := NewSubTrans()
	tbl := NewXactLockTable(sub)
	sub.SetParent(43, 42)
	tbl.Lock(0, 42)

	owner, ok := tbl.Owner(43)
	require.True(t, ok)
	assert.Equal(t, proc.ProcNumber(0), owner)

	waiter := proc.NewBackend(1, "waiter")
	done := make(chan error, 1)
	go func() { done <- tbl.Wait(context.Background(), waiter, 43) }()

	select {
	case <-done:
		t.Fatal("wait returned while the lock was held")
	case <-time.After(20 * time.Millisecond):
	}
	tbl.Unlock(42)
	require.NoError(t, <-done)
	assert.True(t, tbl.ConditionalWait(42))
	assert.Equal(t, uint32(0), waiter.WaitEventInfo())
}

func TestXactLockWaitTimeout(t *testing.T) {
	t.Parallel()

	tbl := NewXactLockTable(NewSubTrans())
	tbl.Lock(0, 7)
	b := proc.NewBackend(1, "waiter")
	b.SetLockStrategy(5*time.Millisecond, 0)

	err := tbl.Wait(context.Background(), b, 7)
	require.Error(t, err)
	assert.True(t, pgerr.IsCode(err, pgerr.LockNotAvailable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.SetLockStrategy(0, 0)
	err = tbl.Wait(ctx, b, 7)
	assert.True(t, pgerr.IsCode(err, pgerr.QueryCanceled))
}
