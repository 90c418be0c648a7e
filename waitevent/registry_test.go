package waitevent

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/lwlock"
	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/proc"
	"github.com/maxpert/txcore/shmem"
)

func newRegistry(t *testing.T) (*Registry, *proc.Backend) {
	t.Helper()
	seg, err := shmem.NewSegment(0x77616974, 1<<20)
	require.NoError(t, err)
	r, err := NewRegistry(seg, lwlock.NewArray())
	require.NoError(t, err)
	return r, proc.NewBackend(0, "test")
}

func TestNewAssignsCodesPerClass(t *testing.T) {
	t.Parallel()

	r, b := newRegistry(t)
	c1, err := r.New(b, proc.WaitClassExtension, "MyExtensionWait")
	require.NoError(t, err)
	c2, err := r.New(b, proc.WaitClassExtension, "OtherWait")
	require.NoError(t, err)
	c3, err := r.New(b, proc.WaitClassInjectionPoint, "before-commit")
	require.NoError(t, err)

	assert.Equal(t, proc.WaitClassExtension|1, c1)
	assert.Equal(t, proc.WaitClassExtension|2, c2)
	assert.Equal(t, proc.WaitClassInjectionPoint|1, c3)

	again, err := r.New(b, proc.WaitClassExtension, "MyExtensionWait")
	require.NoError(t, err)
	assert.Equal(t, c1, again)
	assert.Equal(t, 3, r.Count(b))

	assert.Equal(t, "MyExtensionWait", r.Name(b, c1))
	assert.Equal(t, "before-commit", r.Name(b, c3))
	assert.Equal(t, []string{"MyExtensionWait", "OtherWait"}, r.Names(b, proc.WaitClassExtension))
}

func TestNewRejectsNameAcrossClasses(t *testing.T) {
	t.Parallel()

	r, b := newRegistry(t)
	_, err := r.New(b, proc.WaitClassExtension, "shared-name")
	require.NoError(t, err)
	_, err = r.New(b, proc.WaitClassInjectionPoint, "shared-name")
	require.Error(t, err)
	assert.Equal(t, pgerr.DuplicateObject, pgerr.CodeOf(err))
	assert.Contains(t, err.Error(), `"Extension"`)
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	r, b := newRegistry(t)
	_, err := r.New(b, proc.WaitClassIO, "x")
	assert.True(t, pgerr.IsCode(err, pgerr.InvalidParameterValue))
	_, err = r.New(b, proc.WaitClassExtension, "")
	assert.True(t, pgerr.IsCode(err, pgerr.InvalidParameterValue))
	_, err = r.New(b, proc.WaitClassExtension, string(make([]byte, NameDataLen)))
	assert.True(t, pgerr.IsCode(err, pgerr.InvalidParameterValue))
}

func TestTooManyEvents(t *testing.T) {
	t.Parallel()

	r, b := newRegistry(t)
	for i := 0; i < MaxCustomEvents; i++ {
		class := proc.WaitClassExtension
		if i%2 == 1 {
			class = proc.WaitClassInjectionPoint
		}
		_, err := r.New(b, class, fmt.Sprintf("event-%d", i))
		require.NoError(t, err)
	}
	_, err := r.New(b, proc.WaitClassExtension, "one-too-many")
	require.Error(t, err)
	assert.Equal(t, pgerr.OutOfSharedMemory, pgerr.CodeOf(err))

	// Existing names still resolve once the table is full.
	code, err := r.New(b, proc.WaitClassExtension, "event-0")
	require.NoError(t, err)
	assert.Equal(t, "event-0", r.Name(b, code))
}

func TestConcurrentRegistrationIsIdempotent(t *testing.T) {
	t.Parallel()

	r, _ := newRegistry(t)
	codes := make([]uint32, 8)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := proc.NewBackend(proc.ProcNumber(i), "test")
			code, err := r.New(b, proc.WaitClassExtension, "contended")
			assert.NoError(t, err)
			codes[i] = code
		}(i)
	}
	wg.Wait()
	for _, c := range codes {
		assert.Equal(t, codes[0], c)
	}
	assert.Equal(t, 1, r.Count(proc.NewBackend(9, "check")))
}

func TestNameBuiltins(t *testing.T) {
	t.Parallel()

	r, b := newRegistry(t)
	assert.Equal(t, "transactionid", r.Name(b, proc.WaitEventTransactionID))
	assert.Equal(t, "SLRURead", r.Name(b, proc.WaitEventSLRURead))
	assert.Equal(t, "Extension", r.Name(b, proc.WaitClassExtension))
	assert.Equal(t, "ProcArray", r.Name(b, proc.WaitClassLWLock|uint32(lwlock.ProcArrayLock)))
	assert.Equal(t, "MultiXactMemberSLRU", r.Name(b, proc.WaitClassLWLock|uint32(lwlock.TrancheMultiXactMemberSLRU)))
	assert.Equal(t, "???", r.Name(b, proc.WaitClassExtension|77))
	assert.Equal(t, "", r.Name(b, 0))

	assert.Equal(t, "IO", ClassName(proc.WaitEventWALSync))
	assert.Equal(t, "InjectionPoint", ClassName(proc.WaitClassInjectionPoint|3))
}

func TestMatch(t *testing.T) {
	t.Parallel()

	r, b := newRegistry(t)
	_, err := r.New(b, proc.WaitClassExtension, "PgVectorBuild")
	require.NoError(t, err)

	got, err := r.Match(b, "slru*")
	require.NoError(t, err)
	var names []string
	for _, e := range got {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"SLRURead", "SLRUWrite", "SLRUFlushSync", "SLRUSync"}, names)

	got, err = r.Match(b, "extension/*")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Extension", got[0].Name)
	assert.Equal(t, "PgVectorBuild", got[1].Name)

	_, err = r.Match(b, "[")
	assert.True(t, pgerr.IsCode(err, pgerr.InvalidParameterValue))
}
