package guestfs

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/tinyrange/guestfs/internal/marshal"
	"github.com/tinyrange/guestfs/internal/native"
	"github.com/tinyrange/guestfs/internal/opaque"
)

// Event is a category of libguestfs event. Values are the bits of the native
// event bitmask.
type Event uint64

const (
	EventClose          Event = 0x0001
	EventSubprocessQuit Event = 0x0002
	EventLaunchDone     Event = 0x0004
	EventProgress       Event = 0x0008
	EventAppliance      Event = 0x0010
	EventLibrary        Event = 0x0020
	EventTrace          Event = 0x0040
	EventEnter          Event = 0x0080
	EventLibvirtAuth    Event = 0x0100
	EventWarning        Event = 0x0200

	// EventAll selects every event.
	EventAll Event = 0x03ff
)

var eventNames = []struct {
	ev   Event
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

// AllEvents lists every single event, in bit order.
func AllEvents() []Event {
	out := make([]Event, len(eventNames))
	for i, n := range eventNames {
		out[i] = n.ev
	}
	return out
}

// ParseEvent returns the event with the given libguestfs name. "all" is
// EventAll.
func ParseEvent(name string) (Event, bool) {
	if name == "all" {
		return EventAll, true
	}
	for _, n := range eventNames {
		if n.name == name {
			return n.ev, true
		}
	}
	return 0, false
}

// String names every bit set in e, joined with commas. It does not call into
// libguestfs; see EventToString for that.
func (e Event) String() string {
	var names []string
	rest := e
	for _, n := range eventNames {
		if e&n.ev != 0 {
			names = append(names, n.name)
			rest &^= n.ev
		}
	}
	if rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint64(rest)))
	}
	return strings.Join(names, ",")
}

// eventFromBitmask maps a bitmask the library delivered to exactly one Event.
func eventFromBitmask(b uint64) (Event, bool) {
	for _, n := range eventNames {
		if uint64(n.ev) == b {
			return n.ev, true
		}
	}
	return 0, false
}

func eventsToBitmask(events []Event) uint64 {
	var b uint64
	for _, ev := range events {
		b |= uint64(ev)
	}
	return b
}

// EventToString asks libguestfs to format a set of events.
func EventToString(events ...Event) (string, error) {
	lib, err := loadLibrary()
	if err != nil {
		return "", &Error{Kind: KindOS, Op: "event_to_string", Err: err}
	}
	return eventToString(lib, events)
}

func eventToString(lib native.Library, events []Event) (string, error) {
	const op = "event_to_string"

	runtime.LockOSThread()
	p := lib.EventToString(eventsToBitmask(events))
	if p == 0 {
		err := osError(lib, op)
		runtime.UnlockOSThread()
		return "", err
	}
	runtime.UnlockOSThread()
	defer lib.Free(p)

	s, err := marshal.GoString(p)
	if err != nil {
		return "", marshalError(op, err)
	}
	return s, nil
}

// EventHandle identifies one callback registration on a Handle.
type EventHandle struct {
	id int32
}

// ID is the native event handle number.
func (eh EventHandle) ID() int {
	return int(eh.id)
}

func (eh EventHandle) String() string {
	return fmt.Sprintf("eh%d", eh.id)
}

// EventCallback receives one event. buf and array alias native memory and
// must be copied if they are needed after the callback returns.
type EventCallback func(ev Event, eh EventHandle, buf []byte, array []uint64)

// callbackTokens holds every registered callback. Its tokens are the opaque
// argument libguestfs passes back to the trampoline.
var callbackTokens opaque.Table[*callbackEntry]

// callbackEntry is what the opaque token passed to libguestfs refers to.
type callbackEntry struct {
	fn    EventCallback
	owner *handleState
}

// SetEventCallback registers cb for the given events. With no events the
// callback is registered but never invoked.
func (h *Handle) SetEventCallback(cb EventCallback, events ...Event) (EventHandle, error) {
	const op = "set_event_callback"
	if cb == nil {
		return EventHandle{}, &Error{Kind: KindAPI, Op: op, Err: errNilCallback}
	}
	g, err := h.enter(op)
	if err != nil {
		return EventHandle{}, err
	}
	s := h.state
	defer s.leave()

	bitmask := eventsToBitmask(events)
	tok := callbackTokens.Put(&callbackEntry{fn: cb, owner: s})
	id := s.lib.SetEventCallback(g, bitmask, 0, tok)
	if id == -1 {
		err := s.apiError(op)
		callbackTokens.Delete(tok)
		return EventHandle{}, err
	}

	eh := EventHandle{id: id}
	s.callbacks[eh] = tok
	slog.Debug("guestfs: event callback registered",
		"handle", fmt.Sprintf("%#x", g), "event_handle", id, "events", Event(bitmask).String())
	return eh, nil
}

// DeleteEventCallback stops future deliveries to the callback registered as
// eh. A delivery already in progress is not interrupted. Deleting a handle
// that is not registered returns an error wrapping ErrUnknownEventHandle and
// changes nothing.
func (h *Handle) DeleteEventCallback(eh EventHandle) error {
	const op = "delete_event_callback"
	g, err := h.enter(op)
	if err != nil {
		return err
	}
	s := h.state
	defer s.leave()
	tok, ok := s.callbacks[eh]
	if !ok {
		return &Error{Kind: KindAPI, Op: op, Err: ErrUnknownEventHandle}
	}

	s.lib.DeleteEventCallback(g, eh.id)
	delete(s.callbacks, eh)
	callbackTokens.Delete(tok)

	slog.Debug("guestfs: event callback deleted", "handle", fmt.Sprintf("%#x", g), "event_handle", eh.id)
	return nil
}
