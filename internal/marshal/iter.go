// Package marshal converts the loosely typed memory libguestfs hands back
// (NULL-terminated pointer arrays, length-prefixed struct arrays, flattened
// key/value arrays and raw buffers) into owned Go values, and turns Go string
// arguments into NUL-terminated buffers for a single outgoing call.
//
// Nothing here takes ownership of native memory. Callers release what the
// library allocated, once, with the matching native free routine, after the
// conversion has copied everything out.
package marshal

import (
	"iter"
	"unsafe"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// NullTerminated walks a NULL-terminated array of pointers such as char **.
type NullTerminated struct {
	p uintptr
}

// NewNullTerminated returns an iterator positioned at the first element of
// the array at p. A zero p behaves like an empty array.
func NewNullTerminated(p uintptr) *NullTerminated {
	return &NullTerminated{p: p}
}

// Next returns the next element, or false at the terminating NULL. Once it
// has returned false it keeps doing so.
func (it *NullTerminated) Next() (uintptr, bool) {
	if it.p == 0 {
		return 0, false
	}
	elem := *(*uintptr)(unsafe.Pointer(it.p))
	if elem == 0 {
		it.p = 0
		return 0, false
	}
	it.p += ptrSize
	return elem, true
}

// All yields each element of the NULL-terminated array at p.
func All(p uintptr) iter.Seq[uintptr] {
	return func(yield func(uintptr) bool) {
		it := NewNullTerminated(p)
		for {
			elem, ok := it.Next()
			if !ok || !yield(elem) {
				return
			}
		}
	}
}

// RawList mirrors the libguestfs list shape
//
//	struct guestfs_X_list { uint32_t len; struct guestfs_X *val; };
type RawList[T any] struct {
	Len uint32
	Val *T
}

// ListAt reinterprets p as a *RawList[T]. p must be non-zero.
func ListAt[T any](p uintptr) *RawList[T] {
	return (*RawList[T])(unsafe.Pointer(p))
}

// All yields the index and address of every record, in order.
func (l *RawList[T]) All() iter.Seq2[int, *T] {
	return func(yield func(int, *T) bool) {
		if l == nil || l.Val == nil {
			return
		}
		size := unsafe.Sizeof(*l.Val)
		base := unsafe.Pointer(l.Val)
		for i := 0; i < int(l.Len); i++ {
			elem := (*T)(unsafe.Add(base, uintptr(i)*size))
			if !yield(i, elem) {
				return
			}
		}
	}
}

// StructAt reinterprets p as a single *T, for calls returning one struct.
func StructAt[T any](p uintptr) *T {
	return (*T)(unsafe.Pointer(p))
}
