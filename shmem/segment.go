package shmem

import (
	"sync"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txcore/pgerr"
)

// Segment is the named-region index over a TOC. Every subsystem finds its
// shared state by name; the first caller allocates and zeroes it, later
// callers attach to the existing region.
type Segment struct {
	toc *TOC
	mu  sync.Mutex
}

// NewSegment creates a fresh arena of size bytes.
func NewSegment(magic uint64, size uint64) (*Segment, error) {
	toc, err := Create(magic, NewBuffer(size))
	if err != nil {
		return nil, err
	}
	return &Segment{toc: toc}, nil
}

// TOC exposes the underlying table of contents.
func (s *Segment) TOC() *TOC {
	return s.toc
}

// KeyFor maps a region name to its TOC key.
func KeyFor(name string) uint64 {
	return xxhash.Sum64String(name)
}

// InitRegion returns the offset of the region called name, allocating size
// bytes on first use. found reports whether it already existed.
func (s *Segment) InitRegion(name string, size uint64) (offset uint64, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := KeyFor(name)
	off, err := s.toc.Lookup(key, true)
	if err != nil {
		return 0, false, err
	}
	if off != 0 {
		return off, true, nil
	}
	off, err = s.toc.Allocate(size)
	if err != nil {
		return 0, false, pgerr.New(pgerr.OutOfSharedMemory,
			"not enough shared memory for data structure %q (%d bytes requested)", name, size)
	}
	clear(s.toc.buf[off : off+size])
	if err := s.toc.Insert(key, off); err != nil {
		return 0, false, err
	}
	log.Debug().Str("name", name).Uint64("size", size).Uint64("offset", off).Msg("Allocated shared memory region")
	return off, false, nil
}

// InitSlice is InitRegion for an array of n Ts.
func InitSlice[T any](s *Segment, name string, n int) ([]T, bool, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(n)
	if size == 0 {
		size = 1
	}
	off, found, err := s.InitRegion(name, size)
	if err != nil {
		return nil, false, err
	}
	return Slice(s.toc, Offset[T](off), n), found, nil
}

// InitStruct is InitRegion for a single T.
func InitStruct[T any](s *Segment, name string) (*T, bool, error) {
	var zero T
	off, found, err := s.InitRegion(name, uint64(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, false, err
	}
	return Ptr(s.toc, Offset[T](off)), found, nil
}
