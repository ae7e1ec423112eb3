// Package fixture is an in-process stand-in for libguestfs that implements
// native.Library without loading anything. It keeps the native library's
// observable behaviour around handles and events: callbacks are invoked
// synchronously from inside the call that raised the event, deletion zeroes
// a slot instead of compacting the list, and closing a handle fires Close
// before the callback list is dropped.
//
// All memory it hands back comes from a Memory allocator, so tests can assert
// that every native allocation was released exactly once.
package fixture

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tinyrange/guestfs/internal/native"
	"golang.org/x/sys/unix"
)

// Event bits as defined by guestfs.h.
const (
	EventClose          uint64 = 0x0001
	EventSubprocessQuit uint64 = 0x0002
	EventLaunchDone     uint64 = 0x0004
	EventProgress       uint64 = 0x0008
	EventAppliance      uint64 = 0x0010
	EventLibrary        uint64 = 0x0020
	EventTrace          uint64 = 0x0040
	EventEnter          uint64 = 0x0080
	EventLibvirtAuth    uint64 = 0x0100
	EventWarning        uint64 = 0x0200
	EventAll            uint64 = 0x03ff
)

// DefaultMaxCallbacks matches the limit guestfs_set_event_callback enforces.
const DefaultMaxCallbacks = 1000

var eventNames = []struct {
	bit  uint64
	name string
}{
	{EventClose, "close"},
	{EventSubprocessQuit, "subprocess_quit"},
	{EventLaunchDone, "launch_done"},
	{EventProgress, "progress"},
	{EventAppliance, "appliance"},
	{EventLibrary, "library"},
	{EventTrace, "trace"},
	{EventEnter, "enter"},
	{EventLibvirtAuth, "libvirt_auth"},
	{EventWarning, "warning"},
}

type eventSlot struct {
	bitmask uint64
	opaque  uintptr
}

type handle struct {
	id    uintptr
	flags uint32

	trace   bool
	verbose bool

	// lastErr is owned by the handle and replaced on every error.
	lastErr   uintptr
	lastErrno int32

	events []eventSlot

	drives          []string
	launched        bool
	mounts          map[string]string
	backendSettings []string
}

// Library is a fake libguestfs. The zero value is not usable; use New.
type Library struct {
	Mem *Memory

	// Disk is what every launched handle sees.
	Disk Disk

	// FailCreate makes Create and CreateFlags return NULL with errno set.
	FailCreate bool
	// FailEventToString makes EventToString return NULL with ENOMEM.
	FailEventToString bool
	// MaxCallbacks caps registrations per handle.
	MaxCallbacks int
	// OnClose runs after a handle has been closed natively.
	OnClose func(g uintptr)

	dispatch native.DispatchFunc

	mu           sync.Mutex
	nextID       uintptr
	handles      map[uintptr]*handle
	closes       map[uintptr]int
	createFlags  map[uintptr]uint32
	doubleCloses int
	errno        int32
}

var _ native.Library = (*Library)(nil)

// New returns a fake library that delivers events to dispatch.
func New(dispatch native.DispatchFunc) *Library {
	return &Library{
		Mem:          NewMemory(),
		Disk:         DefaultDisk(),
		MaxCallbacks: DefaultMaxCallbacks,
		dispatch:     dispatch,
		nextID:       0x1000,
		handles:      make(map[uintptr]*handle),
		closes:       make(map[uintptr]int),
		createFlags:  make(map[uintptr]uint32),
	}
}

// Closes reports how many times g was passed to Close.
func (l *Library) Closes(g uintptr) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes[g]
}

// DoubleCloses counts Close calls on handles that were already closed.
func (l *Library) DoubleCloses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doubleCloses
}

// Live is the number of handles not yet closed.
func (l *Library) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// CreatedWith reports the flags g was created with.
func (l *Library) CreatedWith(g uintptr) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createFlags[g]
}

// Callbacks reports the number of slots with a non-zero bitmask on g.
func (l *Library) Callbacks(g uintptr) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[g]
	if !ok {
		return 0
	}
	n := 0
	for _, ev := range h.events {
		if ev.bitmask != 0 {
			n++
		}
	}
	return n
}

func (l *Library) Create() uintptr {
	return l.CreateFlags(0)
}

func (l *Library) CreateFlags(flags uint32) uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailCreate || flags&^(native.CreateNoEnvironment|native.CreateNoCloseOnExit) != 0 {
		l.errno = int32(unix.EINVAL)
		return 0
	}
	l.nextID += 0x10
	h := &handle{
		id:     l.nextID,
		flags:  flags,
		mounts: make(map[string]string),
	}
	l.handles[h.id] = h
	l.createFlags[h.id] = flags
	return h.id
}

func (l *Library) Close(g uintptr) {
	l.mu.Lock()
	l.closes[g]++
	h, ok := l.handles[g]
	if !ok {
		l.doubleCloses++
		l.mu.Unlock()
		return
	}
	trace, verbose, launched := h.trace, h.verbose, h.launched
	l.mu.Unlock()

	if trace {
		l.Emit(g, EventTrace, []byte("close"), nil)
	}
	if verbose {
		l.Emit(g, EventLibrary, fmt.Appendf(nil, "closing guestfs handle %#x (state %d)", g, h.state()), nil)
	}
	if launched {
		l.Emit(g, EventSubprocessQuit, nil, nil)
	}
	l.Emit(g, EventClose, nil, nil)

	l.mu.Lock()
	h.events = nil
	l.Mem.Free(h.lastErr)
	h.lastErr = 0
	delete(l.handles, g)
	l.mu.Unlock()

	if l.OnClose != nil {
		l.OnClose(g)
	}
}

func (h *handle) state() int {
	if h.launched {
		return 2
	}
	return 0
}

func (l *Library) LastError(g uintptr) uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mustHandle(g).lastErr
}

func (l *Library) LastErrno(g uintptr) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mustHandle(g).lastErrno
}

func (l *Library) SetEventCallback(g uintptr, bitmask uint64, flags int32, opaque uintptr) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.mustHandle(g)
	if flags != 0 {
		l.setErrorLocked(h, 0, "set_event_callback: flags must be 0")
		return -1
	}
	if len(h.events) >= l.MaxCallbacks {
		l.setErrorLocked(h, 0, "set_event_callback: too many event callbacks")
		return -1
	}
	h.events = append(h.events, eventSlot{bitmask: bitmask, opaque: opaque})
	return int32(len(h.events) - 1)
}

func (l *Library) DeleteEventCallback(g uintptr, eventHandle int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.mustHandle(g)
	if eventHandle < 0 || int(eventHandle) >= len(h.events) {
		return
	}
	h.events[eventHandle] = eventSlot{}
}

func (l *Library) EventToString(bitmask uint64) uintptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailEventToString {
		l.errno = int32(unix.ENOMEM)
		return 0
	}
	return l.Mem.CString(EventString(bitmask))
}

// EventString joins the names of the bits set in bitmask with commas, the
// way guestfs_event_to_string formats them.
func EventString(bitmask uint64) string {
	var names []string
	for _, ev := range eventNames {
		if bitmask&ev.bit != 0 {
			names = append(names, ev.name)
		}
	}
	return strings.Join(names, ",")
}

func (l *Library) Errno() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errno
}

func (l *Library) Free(p uintptr) {
	l.Mem.Free(p)
}

// Emit raises ev on g. The payload is copied into fixture memory for the
// duration of the dispatch and released afterwards. Callbacks run with the
// library unlocked and may register or delete callbacks; a slot deleted
// during emission is not invoked afterwards, and slots appended during
// emission are.
func (l *Library) Emit(g uintptr, ev uint64, buf []byte, array []uint64) {
	var bufPtr, arrPtr uintptr
	if len(buf) > 0 {
		bufPtr = l.Mem.CBytes(buf)
	}
	if len(array) > 0 {
		arrPtr = l.Mem.Alloc(len(array) * 8)
		copy(Uint64s(arrPtr, len(array)), array)
	}

	for i := 0; ; i++ {
		l.mu.Lock()
		h, ok := l.handles[g]
		if !ok || i >= len(h.events) {
			l.mu.Unlock()
			break
		}
		slot := h.events[i]
		l.mu.Unlock()

		if slot.bitmask&ev == 0 {
			continue
		}
		l.dispatch(g, slot.opaque, ev, int32(i), 0,
			bufPtr, uintptr(len(buf)), arrPtr, uintptr(len(array)))
	}

	l.Mem.Free(bufPtr)
	l.Mem.Free(arrPtr)
}

// EmitRaw delivers an arbitrary event value to every callback on g, ignoring
// the registered bitmasks. It exists to drive the bindings with values the
// real library never produces.
func (l *Library) EmitRaw(g uintptr, ev uint64) {
	l.mu.Lock()
	h := l.mustHandle(g)
	slots := append([]eventSlot(nil), h.events...)
	l.mu.Unlock()

	for i, slot := range slots {
		if slot.bitmask == 0 {
			continue
		}
		l.dispatch(g, slot.opaque, ev, int32(i), 0, 0, 0, 0, 0)
	}
}

func (l *Library) mustHandle(g uintptr) *handle {
	h, ok := l.handles[g]
	if !ok {
		panic(fmt.Sprintf("fixture: use of closed or unknown handle %#x", g))
	}
	return h
}

func (l *Library) setErrorLocked(h *handle, errno unix.Errno, msg string) {
	l.Mem.Free(h.lastErr)
	h.lastErr = l.Mem.CString(msg)
	h.lastErrno = int32(errno)
}

// SetError records an error on g as if the last call had failed.
func (l *Library) SetError(g uintptr, errno unix.Errno, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setErrorLocked(l.mustHandle(g), errno, msg)
}

// ClearError leaves g with no error message, so LastError returns NULL.
func (l *Library) ClearError(g uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.mustHandle(g)
	l.Mem.Free(h.lastErr)
	h.lastErr = 0
	h.lastErrno = 0
}
