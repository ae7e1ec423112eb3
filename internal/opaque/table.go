// Package opaque maps Go values to pointer-sized tokens that can be handed to
// native code as an opaque context argument and turned back into the value
// when native code calls back into Go.
//
// Go pointers cannot be stored in native memory, so native code only ever sees
// the token. A value stays reachable until its token is deleted.
package opaque

import (
	"math/bits"
	"sync"
)

// A token packs a slot index (plus one, so no token is zero) in the low half
// and the slot's generation in the high half. Reusing a slot bumps its
// generation, so a token that outlived its value never finds the newer one.
const (
	halfBits = bits.UintSize / 2
	halfMask = 1<<halfBits - 1
)

type slot[T any] struct {
	gen  uintptr
	used bool
	v    T
}

// Table holds values of type T behind tokens. The zero value is empty and
// ready to use. A Table is safe for concurrent use.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uintptr
	live  int
}

func makeToken(index, gen uintptr) uintptr {
	return gen<<halfBits | (index + 1)
}

// lookup returns the slot token refers to, or nil if the token is zero,
// out of range, deleted or from an earlier generation. t.mu must be held.
func (t *Table[T]) lookup(token uintptr) *slot[T] {
	index := token&halfMask - 1
	if token&halfMask == 0 || index >= uintptr(len(t.slots)) {
		return nil
	}
	s := &t.slots[index]
	if !s.used || s.gen != token>>halfBits {
		return nil
	}
	return s
}

// Put stores v and returns its token.
func (t *Table[T]) Put(v T) uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uintptr
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if uintptr(len(t.slots)) == halfMask {
			panic("opaque: table full")
		}
		index = uintptr(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}

	s := &t.slots[index]
	s.gen = (s.gen + 1) & halfMask
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.v = v
	t.live++
	return makeToken(index, s.gen)
}

// Get returns the value stored under token.
func (t *Table[T]) Get(token uintptr) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.lookup(token); s != nil {
		return s.v, true
	}
	var zero T
	return zero, false
}

// Delete removes token and returns the value it held. Deleting an unknown or
// stale token reports false and leaves the table unchanged.
func (t *Table[T]) Delete(token uintptr) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	s := t.lookup(token)
	if s == nil {
		return zero, false
	}
	v := s.v
	s.v = zero
	s.used = false
	t.free = append(t.free, token&halfMask-1)
	t.live--
	return v, true
}

// Len reports how many tokens are live. Tests use it to detect leaks.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}
