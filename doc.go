// Package guestfs binds libguestfs, the library for inspecting and modifying
// virtual machine disk images, without cgo.
//
// A Handle owns one native guestfs_h. Create it with Create or
// CreateWithFlags and release it with Close; a handle that is dropped without
// being closed is closed by a runtime cleanup, but relying on that delays the
// release by at least one garbage collection.
//
// Event callbacks registered with SetEventCallback are invoked synchronously,
// on the calling goroutine, from inside whichever Handle method caused the
// library to emit the event. The exception is a handle left for the runtime
// cleanup to close: its Close and Trace events run on the cleanup goroutine.
// The byte and integer slices passed to a callback alias native memory and
// are only valid until the callback returns.
//
// A callback may call Close on its own handle. The handle is released once
// the library call that emitted the event has returned.
//
// A Handle is not safe for concurrent use. Distinct handles may be used from
// different goroutines.
package guestfs
