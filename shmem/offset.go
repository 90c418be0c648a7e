package shmem

import "unsafe"

// Offset is a base-relative handle to a T stored in the arena. Values
// of T must not contain Go pointers.
type Offset[T any] uint32

// Ptr dereferences o against the arena of t.
func Ptr[T any](t *TOC, o Offset[T]) *T {
	return (*T)(unsafe.Add(t.base, uintptr(o)))
}

// Slice views n consecutive Ts starting at o.
func Slice[T any](t *TOC, o Offset[T], n int) []T {
	if n == 0 {
		return nil
	}
	return unsafe.Slice(Ptr(t, o), n)
}

// AllocSlice allocates room for n Ts and returns the handle and a view of
// the zeroed region.
func AllocSlice[T any](t *TOC, n int) (Offset[T], []T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(n)
	if size == 0 {
		size = 1
	}
	off, err := t.Allocate(size)
	if err != nil {
		return 0, nil, err
	}
	clear(t.buf[off : off+size])
	o := Offset[T](off)
	return o, Slice(t, o, n), nil
}
