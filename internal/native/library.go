// Package native describes the C boundary of libguestfs as a Go interface and
// loads the real shared library behind it.
//
// Everything here deals in raw addresses. Pointers returned by Library methods
// are either owned by the native library (and must be released with the
// matching Free* method after copying out) or, where documented, borrowed from
// the handle. Nothing in this package converts them into Go values; that is
// the job of internal/marshal.
package native

import "unsafe"

// Flags accepted by guestfs_create_flags.
const (
	CreateNoEnvironment uint32 = 1 << 0
	CreateNoCloseOnExit uint32 = 1 << 1
)

// DispatchFunc is the Go side of guestfs_event_callback:
//
//	void cb(guestfs_h *g, void *opaque, uint64_t event, int event_handle,
//	        int flags, const char *buf, size_t buf_len,
//	        const uint64_t *array, size_t array_len);
type DispatchFunc func(g, opaque uintptr, event uint64, eventHandle, flags int32, buf, bufLen, array, arrayLen uintptr)

// Core is the lifecycle, error and event surface of the library.
type Core interface {
	Create() uintptr
	CreateFlags(flags uint32) uintptr
	Close(g uintptr)

	// LastError returns a string borrowed from the handle, or 0.
	LastError(g uintptr) uintptr
	LastErrno(g uintptr) int32

	// SetEventCallback installs the library's dispatch function for bitmask
	// with opaque as its context. It returns the event handle or -1.
	SetEventCallback(g uintptr, bitmask uint64, flags int32, opaque uintptr) int32
	DeleteEventCallback(g uintptr, eventHandle int32)

	// EventToString returns a malloc'd string, or 0 with errno set.
	EventToString(bitmask uint64) uintptr

	// Errno reads errno for the calling OS thread. Callers lock the thread
	// across the failing call and this read.
	Errno() int32

	Free(p uintptr)
}

// Actions is the subset of generated libguestfs calls this module wraps.
// String arguments are NUL-terminated and must outlive the call.
type Actions interface {
	SetTrace(g uintptr, enable int32) int32
	GetTrace(g uintptr) int32
	SetVerbose(g uintptr, enable int32) int32
	GetVerbose(g uintptr) int32

	SetBackendSettings(g uintptr, settings unsafe.Pointer) int32
	GetBackendSettings(g uintptr) uintptr

	AddDriveRO(g uintptr, filename *byte) int32
	Launch(g uintptr) int32
	Shutdown(g uintptr) int32

	ListDevices(g uintptr) uintptr
	ListFilesystems(g uintptr) uintptr
	InspectOS(g uintptr) uintptr
	MountRO(g uintptr, mountable, mountpoint *byte) int32

	Readdir(g uintptr, dir *byte) uintptr
	ReadFile(g uintptr, path *byte, size *uintptr) uintptr
	PVsFull(g uintptr) uintptr
	Version(g uintptr) uintptr

	FreeDirentList(p uintptr)
	FreePVList(p uintptr)
	FreeVersion(p uintptr)
}

// Library is everything the bindings need from libguestfs.
type Library interface {
	Core
	Actions
}

// Options configures Load.
type Options struct {
	// Path of libguestfs. Empty means DefaultPath.
	Path string
	// Dispatch receives events for every handle created through the library.
	Dispatch DispatchFunc
}
