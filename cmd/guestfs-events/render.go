package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/guestfs"
)

// renderer prints events as they arrive. Progress notifications drive a
// progress bar on a terminal and are summarised as one line otherwise.
type renderer struct {
	out   io.Writer
	width int
	tty   bool

	bar       *progressbar.ProgressBar
	barSerial uint64

	counts map[guestfs.Event]int
}

func newRenderer(out io.Writer, width int, tty bool) *renderer {
	return &renderer{
		out:    out,
		width:  width,
		tty:    tty,
		counts: make(map[guestfs.Event]int),
	}
}

func (r *renderer) callback(ev guestfs.Event, _ guestfs.EventHandle, buf []byte, array []uint64) {
	r.counts[ev]++

	switch ev {
	case guestfs.EventProgress:
		r.progress(array)
	case guestfs.EventAppliance, guestfs.EventLibrary, guestfs.EventTrace, guestfs.EventWarning, guestfs.EventEnter:
		r.finishBar()
		for _, line := range strings.Split(strings.TrimRight(string(buf), "\r\n"), "\n") {
			r.line(ev, strings.TrimRight(line, "\r"))
		}
	default:
		r.finishBar()
		r.line(ev, "")
	}
}

func (r *renderer) line(ev guestfs.Event, text string) {
	if !r.tty {
		text = ansi.Strip(text)
	}
	s := "[" + ev.String() + "]"
	if text != "" {
		s += " " + text
	}
	if r.width > 0 && ansi.StringWidth(s) > r.width {
		s = ansi.Truncate(s, r.width, "…")
	}
	fmt.Fprintln(r.out, s)
}

// progress handles the array [proc_nr, serial, position, total].
func (r *renderer) progress(array []uint64) {
	if len(array) != 4 {
		return
	}
	serial, pos, total := array[1], array[2], array[3]

	if !r.tty {
		if pos == total {
			r.line(guestfs.EventProgress, fmt.Sprintf("call %d complete (%d/%d)", serial, pos, total))
		}
		return
	}

	if r.bar == nil || r.barSerial != serial {
		r.finishBar()
		r.bar = progressbar.NewOptions64(int64(total),
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(fmt.Sprintf("call %d", serial)),
			progressbar.OptionClearOnFinish(),
		)
		r.barSerial = serial
	}
	r.bar.Set64(int64(pos))
	if pos == total {
		r.finishBar()
	}
}

func (r *renderer) finishBar() {
	if r.bar == nil {
		return
	}
	r.bar.Finish()
	r.bar.Close()
	r.bar = nil
}

// summary prints how many of each event were seen, in bit order.
func (r *renderer) summary() {
	r.finishBar()
	var parts []string
	for _, ev := range guestfs.AllEvents() {
		if n := r.counts[ev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", ev, n))
		}
	}
	if len(parts) == 0 {
		fmt.Fprintln(r.out, "no events")
		return
	}
	fmt.Fprintln(r.out, "events: "+strings.Join(parts, " "))
}
