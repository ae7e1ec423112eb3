package fixture

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Memory hands out page-backed blocks that stand in for malloc'd native
// memory, and remembers every block until it is freed so tests can catch
// leaks and double frees.
//
// Blocks are anonymous mappings outside the Go heap, so converting their
// addresses back to pointers is legal. A freed block keeps its address
// reserved with no access rights: reading it faults instead of quietly
// returning reused memory.
type Memory struct {
	mu     sync.Mutex
	blocks map[uintptr][]byte
	freed  map[uintptr][]byte

	doubleFrees  int
	invalidFrees int
}

// NewMemory returns an empty allocator.
func NewMemory() *Memory {
	return &Memory{
		blocks: make(map[uintptr][]byte),
		freed:  make(map[uintptr][]byte),
	}
}

// Alloc returns a zeroed, page-aligned block of at least n bytes.
func (m *Memory) Alloc(n int) uintptr {
	block, err := unix.Mmap(-1, 0, max(n, 1), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("fixture: mmap %d bytes: %v", n, err))
	}
	p := uintptr(unsafe.Pointer(&block[0]))

	m.mu.Lock()
	m.blocks[p] = block
	m.mu.Unlock()
	return p
}

// Free releases a block. Freeing 0 is a no-op, as with free(3).
func (m *Memory) Free(p uintptr) {
	if p == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	block, ok := m.blocks[p]
	if !ok {
		if _, ok := m.freed[p]; ok {
			m.doubleFrees++
		} else {
			m.invalidFrees++
		}
		return
	}
	delete(m.blocks, p)
	unix.Madvise(block, unix.MADV_DONTNEED)
	if err := unix.Mprotect(block, unix.PROT_NONE); err != nil {
		panic(fmt.Sprintf("fixture: mprotect %#x: %v", p, err))
	}
	m.freed[p] = block
}

// Release unmaps every block, live or freed. The Memory must not be used
// afterwards.
func (m *Memory) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, block := range m.blocks {
		unix.Munmap(block)
		delete(m.blocks, p)
	}
	for p, block := range m.freed {
		unix.Munmap(block)
		delete(m.freed, p)
	}
}

// Outstanding is the number of live blocks.
func (m *Memory) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// DoubleFrees counts frees of blocks that were already freed.
func (m *Memory) DoubleFrees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doubleFrees
}

// InvalidFrees counts frees of addresses this allocator never handed out.
func (m *Memory) InvalidFrees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidFrees
}

// CheckClean reports leaks and bad frees as an error.
func (m *Memory) CheckClean() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.blocks) != 0 || m.doubleFrees != 0 || m.invalidFrees != 0 {
		return fmt.Errorf("memory: %d outstanding, %d double frees, %d invalid frees",
			len(m.blocks), m.doubleFrees, m.invalidFrees)
	}
	return nil
}

// CString copies s into a NUL-terminated block. s may contain any bytes,
// including invalid UTF-8; an embedded NUL simply ends the C string early.
func (m *Memory) CString(s string) uintptr {
	p := m.Alloc(len(s) + 1)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(s)), s)
	return p
}

// CBytes copies b into a block.
func (m *Memory) CBytes(b []byte) uintptr {
	p := m.Alloc(len(b))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), len(b)), b)
	return p
}

// PointerArray builds a NULL-terminated array of the given pointers.
func (m *Memory) PointerArray(ptrs ...uintptr) uintptr {
	p := m.Alloc((len(ptrs) + 1) * 8)
	arr := unsafe.Slice((*uintptr)(unsafe.Pointer(p)), len(ptrs)+1)
	copy(arr, ptrs)
	return p
}

// StringArray builds a char ** the way libguestfs returns string lists: each
// element and the array are separate blocks.
func (m *Memory) StringArray(v []string) uintptr {
	ptrs := make([]uintptr, len(v))
	for i, s := range v {
		ptrs[i] = m.CString(s)
	}
	return m.PointerArray(ptrs...)
}

// List builds a struct { uint32_t len; T *val; } header over records, which
// are copied into their own block.
func List[T any](m *Memory, records []T) uintptr {
	var val uintptr
	if len(records) > 0 {
		size := int(unsafe.Sizeof(records[0]))
		val = m.Alloc(size * len(records))
		copy(unsafe.Slice((*T)(unsafe.Pointer(val)), len(records)), records)
	}
	hdr := m.Alloc(16)
	*(*uint32)(unsafe.Pointer(hdr)) = uint32(len(records))
	*(*uintptr)(unsafe.Pointer(hdr + 8)) = val
	return hdr
}

// Put copies v into its own block.
func Put[T any](m *Memory, v T) uintptr {
	p := m.Alloc(int(unsafe.Sizeof(v)))
	*(*T)(unsafe.Pointer(p)) = v
	return p
}

// ListRecords returns the records of a list built by List, aliasing its
// memory.
func ListRecords[T any](p uintptr) []T {
	n := *(*uint32)(unsafe.Pointer(p))
	val := *(*uintptr)(unsafe.Pointer(p + 8))
	if n == 0 || val == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(val)), n)
}

// ListVal returns the address of the record block of a list.
func ListVal(p uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(p + 8))
}

func readCString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

func readStringArray(p uintptr) []string {
	var out []string
	for ; ; p += 8 {
		elem := *(*uintptr)(unsafe.Pointer(p))
		if elem == 0 {
			return out
		}
		out = append(out, readCString(elem))
	}
}

// freeStringArray releases a char ** built by StringArray.
func (m *Memory) freeStringArray(p uintptr) {
	if p == 0 {
		return
	}
	for q := p; ; q += 8 {
		elem := *(*uintptr)(unsafe.Pointer(q))
		if elem == 0 {
			break
		}
		m.Free(elem)
	}
	m.Free(p)
}

// Uint64s aliases n uint64 values at p.
func Uint64s(p uintptr, n int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(p)), n)
}
