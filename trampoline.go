package guestfs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/guestfs/internal/marshal"
)

// fatal stops the process when libguestfs and these bindings disagree about
// the event catalog. Tests replace it.
var fatal = func(msg string) {
	slog.Error("guestfs: fatal", "reason", msg)
	os.Exit(2)
}

// trampoline is the single native event callback for every handle. It runs
// on the goroutine blocked in the native call that emitted the event.
func trampoline(g, tok uintptr, event uint64, eventHandle, flags int32, buf, bufLen, array, arrayLen uintptr) {
	ev, ok := eventFromBitmask(event)
	if !ok {
		fatal(fmt.Sprintf("unrecognised event bitmask %#x from handle %#x", event, g))
		return
	}

	entry, ok := callbackTokens.Get(tok)
	if !ok {
		// Deregistered, or a token from a slot since reused; the library
		// can no longer reach this registration.
		return
	}

	entry.invoke(ev, EventHandle{id: eventHandle},
		marshal.ByteView(buf, bufLen), marshal.Uint64View(array, arrayLen))
}

// invoke runs the callback. A panic must not unwind through the native
// frames, so it is parked on the owning handle instead.
func (e *callbackEntry) invoke(ev Event, eh EventHandle, buf []byte, array []uint64) {
	defer func() {
		if r := recover(); r != nil && e.owner.pending == nil {
			e.owner.pending = &callbackPanic{value: r}
		}
	}()
	e.fn(ev, eh, buf, array)
}
