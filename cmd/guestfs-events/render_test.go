package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/guestfs"
)

func TestRenderStripsANSI(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 0, false)

	r.callback(guestfs.EventAppliance, guestfs.EventHandle{}, []byte("\x1b[1;32mSeaBIOS\x1b[0m\r\nbooting\n"), nil)
	r.callback(guestfs.EventClose, guestfs.EventHandle{}, nil, nil)

	want := "[appliance] SeaBIOS\n[appliance] booting\n[close]\n"
	if got := buf.String(); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestRenderTruncates(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 20, false)

	r.callback(guestfs.EventTrace, guestfs.EventHandle{}, []byte("add_drive_ro \"/var/lib/libvirt/images/fedora.img\""), nil)

	line := strings.TrimSuffix(buf.String(), "\n")
	if !strings.HasPrefix(line, "[trace] add_drive") || !strings.HasSuffix(line, "…") {
		t.Fatalf("line = %q", line)
	}
}

func TestRenderProgressWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 0, false)

	for pos := uint64(0); pos <= 4; pos++ {
		r.callback(guestfs.EventProgress, guestfs.EventHandle{}, nil, []uint64{0, 7, pos, 4})
	}
	r.callback(guestfs.EventProgress, guestfs.EventHandle{}, nil, []uint64{1, 2})

	want := "[progress] call 7 complete (4/4)\n"
	if got := buf.String(); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 0, false)
	r.summary()
	if buf.String() != "no events\n" {
		t.Fatalf("empty summary = %q", buf.String())
	}

	buf.Reset()
	r.callback(guestfs.EventTrace, guestfs.EventHandle{}, []byte("a"), nil)
	r.callback(guestfs.EventTrace, guestfs.EventHandle{}, []byte("b"), nil)
	r.callback(guestfs.EventClose, guestfs.EventHandle{}, nil, nil)
	buf.Reset()
	r.summary()
	if got := buf.String(); got != "events: close=1 trace=2\n" {
		t.Fatalf("summary = %q", got)
	}
}
