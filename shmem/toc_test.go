package shmem

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/txcore/pgerr"
)

const testMagic = 0x50524f43

func TestCreateAndAttach(t *testing.T) {
	t.Parallel()

	buf := NewBuffer(4096 + 17)
	toc, err := Create(testMagic, buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), toc.Size())

	again, err := Attach(testMagic, buf)
	require.NoError(t, err)
	assert.Equal(t, toc.Size(), again.Size())

	_, err = Attach(testMagic+1, buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pgerr.ErrDataCorrupted))
}

func TestAllocateGrowsBackwards(t *testing.T) {
	t.Parallel()

	toc, err := Create(testMagic, NewBuffer(4096))
	require.NoError(t, err)

	a, err := toc.Allocate(10)
	require.NoError(t, err)
	b, err := toc.Allocate(100)
	require.NoError(t, err)

	assert.Equal(t, uint64(4096-64), a)
	assert.Equal(t, uint64(4096-64-128), b)
	assert.Zero(t, a%BufferAlign)
	assert.Zero(t, b%BufferAlign)
}

func TestAllocateOutOfMemory(t *testing.T) {
	t.Parallel()

	toc, err := Create(testMagic, NewBuffer(256))
	require.NoError(t, err)

	_, err = toc.Allocate(192)
	require.NoError(t, err)
	_, err = toc.Allocate(64)
	require.Error(t, err)
	assert.Equal(t, pgerr.OutOfSharedMemory, pgerr.CodeOf(err))

	_, err = toc.Allocate(^uint64(0) - 3)
	assert.Equal(t, pgerr.OutOfSharedMemory, pgerr.CodeOf(err))
}

func TestInsertLookup(t *testing.T) {
	t.Parallel()

	toc, err := Create(testMagic, NewBuffer(1024))
	require.NoError(t, err)

	off, err := toc.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, toc.Insert(42, off))

	got, err := toc.Lookup(42, false)
	require.NoError(t, err)
	assert.Equal(t, off, got)

	missing, err := toc.Lookup(7, true)
	require.NoError(t, err)
	assert.Zero(t, missing)

	_, err = toc.Lookup(7, false)
	assert.Error(t, err)
}

func TestInsertExhaustsSpace(t *testing.T) {
	t.Parallel()

	toc, err := Create(testMagic, NewBuffer(128))
	require.NoError(t, err)

	// header is 32 bytes, leaving room for six 16-byte entries
	for i := 0; i < 6; i++ {
		require.NoError(t, toc.Insert(uint64(i), 0))
	}
	err = toc.Insert(99, 0)
	assert.Equal(t, pgerr.OutOfSharedMemory, pgerr.CodeOf(err))
}

func TestConcurrentInsertVisibility(t *testing.T) {
	t.Parallel()

	toc, err := Create(testMagic, NewBuffer(64*1024))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var misses atomic.Int32
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := uint64(w*1000 + i + 1)
				off, err := toc.Allocate(8)
				if err != nil {
					misses.Add(1)
					continue
				}
				*Ptr(toc, Offset[uint64](off)) = key
				if err := toc.Insert(key, off); err != nil {
					misses.Add(1)
					continue
				}
				got, err := toc.Lookup(key, false)
				if err != nil || *Ptr(toc, Offset[uint64](got)) != key {
					misses.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Zero(t, misses.Load())
	assert.Equal(t, 200, toc.Entries())
}

func TestEstimator(t *testing.T) {
	t.Parallel()

	var e Estimator
	e.EstimateChunk(10)
	e.EstimateChunk(100)
	e.EstimateKeys(2)

	size := e.Size()
	toc, err := Create(testMagic, NewBuffer(size))
	require.NoError(t, err)

	a, err := toc.Allocate(10)
	require.NoError(t, err)
	b, err := toc.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, toc.Insert(1, a))
	require.NoError(t, toc.Insert(2, b))
}

func TestSegmentInitSlice(t *testing.T) {
	t.Parallel()

	seg, err := NewSegment(testMagic, 8192)
	require.NoError(t, err)

	xs, found, err := InitSlice[uint32](seg, "Counters", 16)
	require.NoError(t, err)
	assert.False(t, found)
	require.Len(t, xs, 16)
	xs[3] = 7

	ys, found, err := InitSlice[uint32](seg, "Counters", 16)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint32(7), ys[3])

	type header struct {
		Next  uint64
		Count uint32
	}
	h, found, err := InitStruct[header](seg, "Header")
	require.NoError(t, err)
	assert.False(t, found)
	h.Next = 5

	h2, _, err := InitStruct[header](seg, "Header")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h2.Next)
}
