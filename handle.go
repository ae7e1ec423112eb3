package guestfs

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tinyrange/guestfs/internal/native"
	"golang.org/x/sys/unix"
)

var (
	libMu   sync.Mutex
	libPath string
	libUsed bool
)

// UseLibrary sets the path of the libguestfs shared object. It must be called
// before the first handle is created.
func UseLibrary(path string) error {
	libMu.Lock()
	defer libMu.Unlock()
	if libUsed && path != libPath {
		return errors.New("guestfs: library already loaded from " + displayPath(libPath))
	}
	libPath = path
	return nil
}

func displayPath(p string) string {
	if p == "" {
		return native.DefaultPath
	}
	return p
}

// loadLibrary loads libguestfs on first use. A failed load is not
// remembered, so UseLibrary may still pick another path.
func loadLibrary() (native.Library, error) {
	libMu.Lock()
	defer libMu.Unlock()
	lib, err := native.Load(native.Options{Path: libPath, Dispatch: trampoline})
	if err != nil {
		return nil, err
	}
	libUsed = true
	return lib, nil
}

// Handle is a libguestfs session. The zero value is not usable.
//
// Callbacks normally run on the goroutine calling a Handle method. The one
// exception is a Handle dropped without Close: its Close and Trace events are
// then delivered from the runtime cleanup goroutine, concurrently with
// whatever else the program is doing.
type Handle struct {
	state   *handleState
	cleanup runtime.Cleanup
}

// handleState is everything the trampoline and the cleanup need. It must not
// refer back to the Handle, or the cleanup could never run.
type handleState struct {
	lib    native.Library
	g      uintptr
	closed bool

	// depth counts native calls in progress on g. A Close requested by a
	// callback while depth > 0 sets closePending and is carried out by the
	// outermost call once the library has returned.
	depth        int
	closePending bool

	// callbacks maps each live registration to its opaque table token.
	callbacks map[EventHandle]uintptr

	// pending is a panic raised by a callback, re-raised once the native
	// call that dispatched it has returned.
	pending *callbackPanic
}

type callbackPanic struct {
	value any
}

// Create returns a handle with default flags.
func Create() (*Handle, error) {
	lib, err := loadLibrary()
	if err != nil {
		return nil, &Error{Kind: KindCreate, Op: "create", Err: err}
	}
	return newHandle(lib, CreateFlags{}, false)
}

// CreateWithFlags returns a handle created with guestfs_create_flags.
func CreateWithFlags(flags CreateFlags) (*Handle, error) {
	lib, err := loadLibrary()
	if err != nil {
		return nil, &Error{Kind: KindCreate, Op: "create_flags", Err: err}
	}
	return newHandle(lib, flags, true)
}

func newHandle(lib native.Library, flags CreateFlags, explicit bool) (*Handle, error) {
	op := "create"

	runtime.LockOSThread()
	var g uintptr
	if explicit {
		op = "create_flags"
		g = lib.CreateFlags(flags.bits())
	} else {
		g = lib.Create()
	}
	if g == 0 {
		errno := unix.Errno(lib.Errno())
		runtime.UnlockOSThread()
		return nil, &Error{Kind: KindCreate, Op: op, Errno: errno}
	}
	runtime.UnlockOSThread()

	h := &Handle{state: &handleState{
		lib:       lib,
		g:         g,
		callbacks: make(map[EventHandle]uintptr),
	}}
	h.cleanup = runtime.AddCleanup(h, closeAbandoned, h.state)

	slog.Debug("guestfs: handle created", "handle", fmt.Sprintf("%#x", g), "flags", flags.bits())
	return h, nil
}

// closeAbandoned runs when a Handle becomes unreachable without Close.
func closeAbandoned(s *handleState) {
	if s.closed {
		return
	}
	slog.Warn("guestfs: closing abandoned handle", "handle", fmt.Sprintf("%#x", s.g))
	s.release()
	if p := s.pending; p != nil {
		s.pending = nil
		slog.Error("guestfs: event callback panicked during cleanup", "panic", p.value)
	}
}

// Close releases the native handle. Registered callbacks see the Close event
// (and a trace line when tracing is on) and are then dropped. Calling Close
// again does nothing.
//
// Close called from an event callback cannot free the handle under the
// library call that emitted the event. It marks the handle closed, so every
// later method returns ErrClosed, and the release happens when that call
// returns to Go.
func (h *Handle) Close() error {
	s := h.state
	if s.closed || s.closePending {
		return nil
	}
	h.cleanup.Stop()
	if s.depth > 0 {
		s.closePending = true
		slog.Debug("guestfs: close deferred until native call returns", "handle", fmt.Sprintf("%#x", s.g))
		return nil
	}
	defer s.reraise()
	s.release()
	runtime.KeepAlive(h)
	return nil
}

// release closes the native handle exactly once and forgets every callback.
func (s *handleState) release() {
	g := s.g
	s.closed = true

	// Tokens stay valid across guestfs_close so the Close event reaches
	// its callbacks.
	s.lib.Close(g)

	for _, tok := range s.callbacks {
		callbackTokens.Delete(tok)
	}
	clear(s.callbacks)
	s.g = 0

	slog.Debug("guestfs: handle closed", "handle", fmt.Sprintf("%#x", g))
}

// enter returns the native handle for op and marks a native call in
// progress. Every successful enter must be paired with a deferred leave.
func (h *Handle) enter(op string) (uintptr, error) {
	s := h.state
	if s.closed || s.closePending {
		return 0, closedError(op)
	}
	s.depth++
	return s.g, nil
}

// leave ends the call begun by enter. The outermost call performs a pending
// Close, then any callback panic is re-raised.
func (s *handleState) leave() {
	s.depth--
	if s.depth == 0 && s.closePending {
		s.closePending = false
		s.release()
	}
	s.reraise()
}

// reraise propagates a panic a callback raised during the last native call.
func (s *handleState) reraise() {
	if p := s.pending; p != nil {
		s.pending = nil
		panic(p.value)
	}
}
