package lockpolicy

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
)

func policyText(ranks int, digits string) string {
	r := make([]string, ranks)
	for i := range r {
		r[i] = "0.5"
	}
	r[0] = "1.25"
	return strings.Join(r, " ") + "\n" + digits + "\n"
}

func newHook(t *testing.T, p *Policy) *Hook {
	t.Helper()
	seg, err := shmem.NewSegment(0x6c6f636b, 1<<20)
	require.NoError(t, err)
	h, err := NewHook(seg, lwlock.NewArray(), p)
	require.NoError(t, err)
	return h
}

func TestEncodeState(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, EncodeState(OpRead, 0, 0))
	assert.Equal(t, 3, EncodeState(OpRead, 1, 2))
	assert.Equal(t, 16|3, EncodeState(OpWrite, 1, 2))
	assert.Equal(t, 15, EncodeState(OpRead, 40, 3))
	assert.Equal(t, StateSpace-1, EncodeState(OpWrite, 100, 100))
	assert.Equal(t, 32, StateSpace)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	digits := "9012345678" + "9012345678" + "9012345678" + "90"
	p, err := ParsePolicy(strings.NewReader(policyText(StateSpace, digits)))
	require.NoError(t, err)

	assert.Equal(t, Entry{Rank: 1.25, Timeout: 0}, p.Lookup(0))
	assert.Equal(t, Entry{Rank: 0.5, Timeout: time.Millisecond}, p.Lookup(1))
	assert.Equal(t, Entry{Rank: 0.5, Timeout: 1024 * time.Millisecond}, p.Lookup(9))

	spaced := strings.Join(strings.Split(digits, ""), " ")
	p2, err := ParsePolicy(strings.NewReader(policyText(StateSpace, spaced)))
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestParsePolicyStateSpaceMismatch(t *testing.T) {
	t.Parallel()

	_, err := ParsePolicy(strings.NewReader(policyText(16, strings.Repeat("1", StateSpace))))
	require.Error(t, err)
	assert.Equal(t, pgerr.ConfigFileError, pgerr.CodeOf(err))
	assert.Contains(t, err.Error(), "16 ranks, expected 32")

	_, err = ParsePolicy(strings.NewReader(policyText(StateSpace, strings.Repeat("1", 31))))
	assert.True(t, pgerr.IsCode(err, pgerr.ConfigFileError))

	_, err = ParsePolicy(strings.NewReader(policyText(StateSpace, strings.Repeat("x", StateSpace))))
	assert.True(t, pgerr.IsCode(err, pgerr.ConfigFileError))

	_, err = ParsePolicy(strings.NewReader("1 2 3\n"))
	assert.True(t, pgerr.IsCode(err, pgerr.ConfigFileError))
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.txt")
	require.NoError(t, os.WriteFile(path, []byte(policyText(StateSpace, strings.Repeat("4", StateSpace))), 0o644))
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 64*time.Millisecond, p.Lookup(7).Timeout)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, pgerr.IsCode(err, pgerr.ConfigFileError))
}

func TestRefreshLockStrategy(t *testing.T) {
	t.Parallel()

	digits := strings.Repeat("0", 16) + strings.Repeat("3", 16)
	p, err := ParsePolicy(strings.NewReader(policyText(StateSpace, digits)))
	require.NoError(t, err)
	h := newHook(t, p)
	b := proc.NewBackend(0, "test")

	e := h.RefreshLockStrategy(b)
	assert.Equal(t, Entry{Rank: 1.25, Timeout: time.Millisecond}, e)
	assert.Equal(t, time.Millisecond, b.LockTimeout())
	assert.Equal(t, float32(1.25), b.WaitRank())

	h.ReportIntention(b, 100, HashTuple(1, 2, 3), OpWrite)
	h.RefreshLockStrategy(b)
	assert.Equal(t, 16*time.Millisecond, b.LockTimeout())
	assert.Equal(t, float32(0.5), b.WaitRank())

	// A new transaction starts from a clean state.
	h.ReportIntention(b, 101, HashTuple(1, 2, 3), OpRead)
	st := b.LockStats()
	assert.Equal(t, uint32(101), st.Xid)
	assert.Equal(t, 1, st.Reads)
	assert.Equal(t, 0, st.Writes)

	h.SetPolicy(nil)
	h.RefreshLockStrategy(b)
	assert.Zero(t, b.LockTimeout())
}

func TestCountersUnderConcurrency(t *testing.T) {
	t.Parallel()

	h := newHook(t, nil)
	hash := HashTuple(16384, 7, 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b := proc.NewBackend(proc.ProcNumber(n), "test")
			for j := 0; j < 100; j++ {
				h.ReportIntention(b, uint32(10+n), hash, uint8(j%2))
				if j%10 == 0 {
					h.ReportConflict(b, hash)
				}
			}
		}(i)
	}
	wg.Wait()

	c := h.Counts(hash)
	assert.Equal(t, SlotCounts{Conflicts: 80, Reads: 400, Writes: 400}, c)
	assert.Equal(t, c, h.Totals())

	h.Reset(proc.NewBackend(9, "reset"))
	assert.Zero(t, h.Totals())
}

func TestHashTupleDistinguishesFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashTuple(1, 2, 3), HashTuple(1, 2, 3))
	assert.NotEqual(t, HashTuple(1, 2, 3), HashTuple(1, 3, 2))
	assert.NotEqual(t, HashTuple(2, 1, 3), HashTuple(1, 2, 3))
}
