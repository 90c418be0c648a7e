package sinval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
)

type harness struct {
	ring     *Ring
	bs       []*proc.Backend
	signaled []proc.ProcNumber
}

func newHarness(t *testing.T, size int) *harness {
	t.Helper()
	seg, err := shmem.NewSegment(0x73696e76, 1<<20)
	require.NoError(t, err)
	h := &harness{}
	h.ring, err = NewRing(seg, lwlock.NewArray(), 4, Options{
		QueueSize: size,
		Signal:    func(n proc.ProcNumber) { h.signaled = append(h.signaled, n) },
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		h.bs = append(h.bs, proc.NewBackend(proc.ProcNumber(i), "test"))
	}
	return h
}

func relcaches(from, n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Relcache(1, uint32(from+i))
	}
	return msgs
}

func drain(t *testing.T, r *Ring, b *proc.Backend) []Message {
	t.Helper()
	var out []Message
	for {
		m, res := r.Get(b)
		require.NotEqual(t, Reset, res)
		if res == Empty {
			return out
		}
		out = append(out, m)
	}
}

func TestQueueSizeValidation(t *testing.T) {
	t.Parallel()

	seg, err := shmem.NewSegment(0x73696e76, 1<<20)
	require.NoError(t, err)
	for _, size := range []int{8, 100} {
		_, err = NewRing(seg, lwlock.NewArray(), 2, Options{QueueSize: size})
		assert.True(t, pgerr.IsCode(err, pgerr.InvalidParameterValue), "size %d", size)
	}
}

func TestInsertAndRead(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 256)
	reader, writer := h.bs[0], h.bs[1]
	require.NoError(t, h.ring.Attach(reader, false))
	require.NoError(t, h.ring.Attach(writer, true))

	_, res := h.ring.Get(reader)
	assert.Equal(t, Empty, res)
	assert.False(t, h.ring.HasMessages(reader))

	assert.False(t, h.ring.Insert(writer, relcaches(0, 100)...))
	assert.True(t, h.ring.HasMessages(reader))

	buf := make([]Message, 30)
	n, reset := h.ring.GetBatch(reader, buf)
	require.False(t, reset)
	require.Equal(t, 30, n)
	assert.Equal(t, relcaches(0, 30), buf)
	assert.True(t, h.ring.HasMessages(reader), "partial read leaves the flag set")

	rest := drain(t, h.ring, reader)
	assert.Equal(t, relcaches(30, 70), rest)
	assert.False(t, h.ring.HasMessages(reader))
}

func TestAttachSeesOnlyNewMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 64)
	require.NoError(t, h.ring.Attach(h.bs[0], false))
	h.ring.Insert(h.bs[0], relcaches(0, 5)...)

	require.NoError(t, h.ring.Attach(h.bs[1], false))
	_, res := h.ring.Get(h.bs[1])
	assert.Equal(t, Empty, res)

	err := h.ring.Attach(h.bs[1], false)
	assert.True(t, pgerr.IsCode(err, pgerr.InternalError))

	h.ring.Insert(h.bs[0], Catcache(3, 1, 42))
	assert.Equal(t, []Message{Catcache(3, 1, 42)}, drain(t, h.ring, h.bs[1]))
	assert.Len(t, drain(t, h.ring, h.bs[0]), 6)
}

func TestOverflowResetsLaggingBackend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 16)
	lagging, sender := h.bs[0], h.bs[1]
	require.NoError(t, h.ring.Attach(lagging, false))
	require.NoError(t, h.ring.Attach(sender, true))

	assert.False(t, h.ring.Insert(sender, relcaches(0, 16)...))
	assert.True(t, h.ring.Insert(sender, relcaches(16, 1)...), "full ring resets the reader")

	_, res := h.ring.Get(lagging)
	assert.Equal(t, Reset, res)
	_, res = h.ring.Get(lagging)
	assert.Equal(t, Empty, res, "everything before the reset counts as read")

	h.ring.Insert(sender, relcaches(100, 2)...)
	assert.Equal(t, relcaches(100, 2), drain(t, h.ring, lagging))
	assert.Zero(t, h.ring.Stats(sender).Resetting)
}

func TestCatchupSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 16)
	slow, fast, sender := h.bs[0], h.bs[1], h.bs[2]
	for _, b := range []*proc.Backend{slow, fast} {
		require.NoError(t, h.ring.Attach(b, false))
	}
	require.NoError(t, h.ring.Attach(sender, true))

	h.ring.Insert(sender, relcaches(0, 12)...)
	drain(t, h.ring, fast)
	assert.Empty(t, h.signaled)

	// Past 70% full the furthest-behind backend is asked to catch up,
	// once.
	h.ring.Insert(sender, relcaches(12, 1)...)
	assert.Equal(t, []proc.ProcNumber{slow.Number()}, h.signaled)
	drain(t, h.ring, fast)
	h.ring.DeleteExpired(sender)
	assert.Len(t, h.signaled, 1)

	assert.Len(t, drain(t, h.ring, slow), 13)
	h.ring.DeleteExpired(sender)
	st := h.ring.Stats(sender)
	assert.Equal(t, int64(13), st.MinMsgNum)
	assert.Zero(t, st.Depth)
}

func TestMessageNumbersRenormalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 16)
	h.ring.wrap = 32
	a, b := h.bs[0], h.bs[1]
	require.NoError(t, h.ring.Attach(a, false))
	require.NoError(t, h.ring.Attach(b, false))

	for i := 0; i < 5; i++ {
		h.ring.Insert(a, relcaches(i*10, 10)...)
		require.Equal(t, relcaches(i*10, 10), drain(t, h.ring, a))
		require.Equal(t, relcaches(i*10, 10), drain(t, h.ring, b))
	}
	h.ring.DeleteExpired(a)
	st := h.ring.Stats(a)
	assert.Less(t, st.MaxMsgNum, int64(32))
	assert.Zero(t, st.Depth)

	h.ring.Insert(b, Relcache(1, 999))
	assert.Equal(t, []Message{Relcache(1, 999)}, drain(t, h.ring, a))
	assert.Equal(t, []Message{Relcache(1, 999)}, drain(t, h.ring, b))
}

func TestDetachReleasesSlot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 16)
	slow, sender := h.bs[0], h.bs[1]
	require.NoError(t, h.ring.Attach(slow, false))
	require.NoError(t, h.ring.Attach(sender, true))
	h.ring.Insert(sender, relcaches(0, 10)...)

	h.ring.Detach(slow)
	assert.Equal(t, 1, h.ring.Stats(sender).Backends)
	assert.False(t, h.ring.Insert(sender, relcaches(10, 10)...), "detached backends do not hold the ring")
}

func TestLocalTransactionIDs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 16)
	b := h.bs[2]
	require.NoError(t, h.ring.Attach(b, false))
	assert.Equal(t, uint32(1), h.ring.NextLocalTransactionID(b))
	assert.Equal(t, uint32(2), h.ring.NextLocalTransactionID(b))
	h.ring.Detach(b)

	require.NoError(t, h.ring.Attach(b, false))
	assert.Equal(t, uint32(3), h.ring.NextLocalTransactionID(b), "counter survives reattach")

	h.ring.localXID[b.Number()] = math.MaxUint32
	assert.Equal(t, uint32(math.MaxUint32), h.ring.NextLocalTransactionID(b))
	assert.Equal(t, uint32(1), h.ring.NextLocalTransactionID(b), "zero is skipped")
}
