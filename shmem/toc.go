// Package shmem implements the process-wide shared arena. The arena is one
// contiguous, buffer-aligned byte region: the table of contents grows
// forwards from the start while allocations are carved backwards from the
// end. Offsets handed out are relative to the arena base.
package shmem

import (
	"sync/atomic"
	"unsafe"

	"github.com/maxpert/txcore/pgerr"
	"github.com/maxpert/txcore/spin"
)

// BufferAlign is the alignment of every allocation; wide enough for
// 64-bit atomics and a cache line.
const BufferAlign = 64

const (
	offMagic     = 0
	offMutex     = 8
	offNEntries  = 12
	offTotal     = 16
	offAllocated = 24
	headerSize   = 32
	entrySize    = 16
)

// TOC is a handle on an arena with a table of contents.
type TOC struct {
	buf  []byte
	base unsafe.Pointer
}

// Estimator accumulates the space needed for a TOC arena.
type Estimator struct {
	spaceForChunks uint64
	numberOfKeys   uint64
}

// EstimateChunk accounts for one allocation of size bytes.
func (e *Estimator) EstimateChunk(size uint64) {
	e.spaceForChunks += alignUp(size)
}

// EstimateKeys accounts for n TOC entries.
func (e *Estimator) EstimateKeys(n uint64) {
	e.numberOfKeys += n
}

// Size returns the arena size required.
func (e *Estimator) Size() uint64 {
	return alignUp(headerSize + e.numberOfKeys*entrySize + e.spaceForChunks)
}

// NewBuffer returns a zeroed byte slice of at least size bytes whose first
// byte is BufferAlign-aligned.
func NewBuffer(size uint64) []byte {
	raw := make([]byte, size+BufferAlign)
	shift := (BufferAlign - int(uintptr(unsafe.Pointer(&raw[0]))%BufferAlign)) % BufferAlign
	return raw[shift : uint64(shift)+size]
}

// Create initializes a TOC over buf. The usable size is len(buf) rounded
// down to BufferAlign.
func Create(magic uint64, buf []byte) (*TOC, error) {
	size := alignDown(uint64(len(buf)))
	if size < headerSize {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "shared memory segment of %d bytes is too small", len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%BufferAlign != 0 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "shared memory segment is not buffer-aligned")
	}
	t := &TOC{buf: buf[:size], base: unsafe.Pointer(&buf[0])}
	t.mutex().Init()
	atomic.StoreUint32(t.word32(offNEntries), 0)
	*t.word64(offTotal) = size
	*t.word64(offAllocated) = 0
	atomic.StoreUint64(t.word64(offMagic), magic)
	return t, nil
}

// Attach returns a handle on a TOC previously created over buf, failing
// if the magic does not match.
func Attach(magic uint64, buf []byte) (*TOC, error) {
	if len(buf) < headerSize || uintptr(unsafe.Pointer(&buf[0]))%BufferAlign != 0 {
		return nil, pgerr.New(pgerr.InvalidParameterValue, "invalid shared memory segment")
	}
	t := &TOC{buf: buf, base: unsafe.Pointer(&buf[0])}
	if got := atomic.LoadUint64(t.word64(offMagic)); got != magic {
		return nil, pgerr.New(pgerr.DataCorrupted, "shared memory segment has bad magic number %#x", got)
	}
	total := *t.word64(offTotal)
	if total > uint64(len(buf)) {
		return nil, pgerr.New(pgerr.DataCorrupted, "shared memory segment size %d exceeds mapping of %d bytes", total, len(buf))
	}
	t.buf = buf[:total]
	return t, nil
}

// Allocate reserves size bytes, rounded up to BufferAlign, at the end of
// the free space and returns the offset of the region.
func (t *TOC) Allocate(size uint64) (uint64, error) {
	nbytes := alignUp(size)
	if nbytes < size {
		return 0, errOutOfMemory()
	}

	lock := t.mutex()
	lock.Lock()
	defer lock.Unlock()

	total := *t.word64(offTotal)
	allocated := *t.word64(offAllocated)
	nentries := uint64(atomic.LoadUint32(t.word32(offNEntries)))
	tocBytes := headerSize + nentries*entrySize + allocated

	if tocBytes+nbytes > total || tocBytes+nbytes < tocBytes {
		return 0, errOutOfMemory()
	}
	allocated += nbytes
	*t.word64(offAllocated) = allocated
	return total - allocated, nil
}

// Insert records key -> offset. The entry becomes visible to Lookup only
// once fully written.
func (t *TOC) Insert(key uint64, offset uint64) error {
	lock := t.mutex()
	lock.Lock()
	defer lock.Unlock()

	total := *t.word64(offTotal)
	allocated := *t.word64(offAllocated)
	nentries := atomic.LoadUint32(t.word32(offNEntries))
	tocBytes := headerSize + uint64(nentries)*entrySize + allocated

	if tocBytes+entrySize > total || tocBytes+entrySize < tocBytes {
		return errOutOfMemory()
	}
	entry := headerSize + uint64(nentries)*entrySize
	*t.word64(entry) = key
	*t.word64(entry + 8) = offset
	atomic.StoreUint32(t.word32(offNEntries), nentries+1)
	return nil
}

// Lookup finds the offset stored for key without taking the lock.
func (t *TOC) Lookup(key uint64, allowMissing bool) (uint64, error) {
	nentries := atomic.LoadUint32(t.word32(offNEntries))
	for i := uint32(0); i < nentries; i++ {
		entry := headerSize + uint64(i)*entrySize
		if *t.word64(entry) == key {
			return *t.word64(entry + 8), nil
		}
	}
	if allowMissing {
		return 0, nil
	}
	return 0, pgerr.New(pgerr.InternalError, "could not find key %d in shm TOC", key)
}

// Entries returns the number of published TOC entries.
func (t *TOC) Entries() int {
	return int(atomic.LoadUint32(t.word32(offNEntries)))
}

// Size is the usable arena size.
func (t *TOC) Size() uint64 {
	return *t.word64(offTotal)
}

// Free returns the bytes still available between the TOC and allocations.
func (t *TOC) Free() uint64 {
	lock := t.mutex()
	lock.Lock()
	defer lock.Unlock()
	used := headerSize + uint64(atomic.LoadUint32(t.word32(offNEntries)))*entrySize + *t.word64(offAllocated)
	return *t.word64(offTotal) - used
}

// Bytes returns the arena slice [offset, offset+n).
func (t *TOC) Bytes(offset, n uint64) []byte {
	return t.buf[offset : offset+n]
}

func (t *TOC) mutex() *spin.Lock {
	return spin.At(t.word32(offMutex))
}

func (t *TOC) word32(off uint64) *uint32 {
	return (*uint32)(unsafe.Add(t.base, off))
}

func (t *TOC) word64(off uint64) *uint64 {
	return (*uint64)(unsafe.Add(t.base, off))
}

func errOutOfMemory() error {
	return pgerr.New(pgerr.OutOfSharedMemory, "out of shared memory")
}

func alignUp(n uint64) uint64 {
	return (n + BufferAlign - 1) &^ (BufferAlign - 1)
}

func alignDown(n uint64) uint64 {
	return n &^ (BufferAlign - 1)
}
