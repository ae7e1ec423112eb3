package marshal

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unicode/utf8"
	"unsafe"
)

// ErrNullPointer is returned when a native string or array pointer is NULL.
var ErrNullPointer = errors.New("null pointer")

// InvalidUTF8Error reports a native string that is not valid UTF-8.
type InvalidUTF8Error struct {
	// ValidUpTo is the length of the longest valid prefix.
	ValidUpTo int
}

func (e *InvalidUTF8Error) Error() string {
	return fmt.Sprintf("invalid utf-8 sequence at byte %d", e.ValidUpTo)
}

// NulError reports a Go string with an embedded NUL byte, which cannot be
// passed to C.
type NulError struct {
	// Index is the position of the string in its list, or 0 for a lone string.
	Index int
	// Pos is the byte offset of the first NUL.
	Pos int
}

func (e *NulError) Error() string {
	return fmt.Sprintf("nul byte found in string %d at position %d", e.Index, e.Pos)
}

// ContractViolation is the panic value used when native memory breaks a shape
// libguestfs guarantees. It means the bindings and the library disagree, so
// it is never returned as an error.
type ContractViolation struct {
	Msg string
}

func (c *ContractViolation) Error() string {
	return "guestfs contract violation: " + c.Msg
}

func strlen(p uintptr) int {
	n := 0
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return n
}

// GoString copies the NUL-terminated string at p.
func GoString(p uintptr) (string, error) {
	if p == 0 {
		return "", ErrNullPointer
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), strlen(p))
	if !utf8.Valid(b) {
		return "", &InvalidUTF8Error{ValidUpTo: validUpTo(b)}
	}
	return string(b), nil
}

func validUpTo(b []byte) int {
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return i
}

// StringList copies a NULL-terminated char ** into a slice. Any element that
// fails to decode fails the whole conversion.
func StringList(p uintptr) ([]string, error) {
	if p == 0 {
		return nil, ErrNullPointer
	}
	out := []string{}
	for elem := range All(p) {
		s, err := GoString(elem)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// HashMap copies a NULL-terminated char ** of alternating keys and values.
// An odd number of elements panics with *ContractViolation.
func HashMap(p uintptr) (map[string]string, error) {
	if p == 0 {
		return nil, ErrNullPointer
	}
	m := make(map[string]string)
	it := NewNullTerminated(p)
	for {
		k, ok := it.Next()
		if !ok {
			return m, nil
		}
		v, ok := it.Next()
		if !ok {
			panic(&ContractViolation{Msg: "odd number of items in hash table"})
		}
		key, err := GoString(k)
		if err != nil {
			return nil, err
		}
		val, err := GoString(v)
		if err != nil {
			return nil, err
		}
		m[key] = val
	}
}

// StructList converts every record of l with conv. The first conversion
// error aborts and is returned unchanged.
func StructList[T, R any](l *RawList[T], conv func(*T) (R, error)) ([]R, error) {
	if l == nil {
		return nil, ErrNullPointer
	}
	out := make([]R, 0, l.Len)
	for _, rec := range l.All() {
		r, err := conv(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Bytes copies n bytes starting at p.
func Bytes(p uintptr, n int) []byte {
	if p == 0 || n <= 0 {
		return []byte{}
	}
	return append([]byte(nil), unsafe.Slice((*byte)(unsafe.Pointer(p)), n)...)
}

// CString returns s as a NUL-terminated buffer.
func CString(s string) ([]byte, error) {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return nil, &NulError{Pos: i}
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, nil
}

// CStringArray is a NULL-terminated char ** built from Go strings. It lives
// in Go memory and is only valid for the call it is passed to.
type CStringArray struct {
	bufs [][]byte
	ptrs []uintptr
}

// CStrings converts v for one outgoing call. Any string containing a NUL byte
// is rejected before anything is handed to native code.
func CStrings(v []string) (*CStringArray, error) {
	a := &CStringArray{
		bufs: make([][]byte, len(v)),
		ptrs: make([]uintptr, len(v)+1),
	}
	for i, s := range v {
		b, err := CString(s)
		if err != nil {
			var nul *NulError
			if errors.As(err, &nul) {
				nul.Index = i
			}
			return nil, err
		}
		a.bufs[i] = b
		a.ptrs[i] = uintptr(unsafe.Pointer(&b[0]))
	}
	return a, nil
}

// Pointer returns the char ** for the native call.
func (a *CStringArray) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&a.ptrs[0])
}

// Len is the number of strings, excluding the terminator.
func (a *CStringArray) Len() int {
	return len(a.bufs)
}

// KeepAlive keeps the array and its strings reachable until this point.
// Call it after the native call returns.
func (a *CStringArray) KeepAlive() {
	runtime.KeepAlive(a.bufs)
	runtime.KeepAlive(a.ptrs)
}

// FreeStringList releases a char ** the library allocated: every element,
// then the array.
func FreeStringList(p uintptr, free func(uintptr)) {
	if p == 0 {
		return
	}
	for elem := range All(p) {
		free(elem)
	}
	free(p)
}
