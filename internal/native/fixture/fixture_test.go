package fixture

import (
	"runtime/debug"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/guestfs/internal/native"
)

type recorded struct {
	Event uint64
	EH    int32
	Buf   string
	Array []uint64
}

type recorder struct {
	events []recorded
}

func (r *recorder) dispatch(g, opaque uintptr, event uint64, eh, flags int32, buf, bufLen, array, arrayLen uintptr) {
	rec := recorded{Event: event, EH: eh}
	if bufLen > 0 {
		rec.Buf = string(unsafe.Slice((*byte)(unsafe.Pointer(buf)), bufLen))
	}
	if arrayLen > 0 {
		rec.Array = append([]uint64(nil), Uint64s(array, int(arrayLen))...)
	}
	r.events = append(r.events, rec)
}

func cstr(s string) *byte {
	b := append([]byte(s), 0)
	return &b[0]
}

func TestMemoryTracksFrees(t *testing.T) {
	m := NewMemory()
	a := m.CString("hello")
	b := m.StringArray([]string{"x", "y"})
	if got := m.Outstanding(); got != 4 {
		t.Fatalf("Outstanding = %d, want 4", got)
	}
	if got := readStringArray(b); !cmp.Equal(got, []string{"x", "y"}) {
		t.Fatalf("readStringArray = %q", got)
	}

	m.Free(a)
	m.freeStringArray(b)
	if err := m.CheckClean(); err != nil {
		t.Fatal(err)
	}

	m.Free(a)
	if m.DoubleFrees() != 1 {
		t.Fatalf("DoubleFrees = %d, want 1", m.DoubleFrees())
	}
	var x uint64
	m.Free(uintptr(unsafe.Pointer(&x)))
	if m.InvalidFrees() != 1 {
		t.Fatalf("InvalidFrees = %d, want 1", m.InvalidFrees())
	}
}

var sink byte

func TestFreedMemoryFaults(t *testing.T) {
	m := NewMemory()
	t.Cleanup(m.Release)
	p := m.CString("gone")
	if readCString(p) != "gone" {
		t.Fatalf("readCString = %q", readCString(p))
	}
	m.Free(p)

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		r := recover()
		if _, ok := r.(interface{ Addr() uintptr }); !ok {
			t.Fatalf("reading freed memory recovered %v, want a fault", r)
		}
	}()
	sink = *(*byte)(unsafe.Pointer(p))
}

func TestAllocIsZeroedAndDistinct(t *testing.T) {
	m := NewMemory()
	t.Cleanup(m.Release)
	a, b := m.Alloc(0), m.Alloc(24)
	if a == b {
		t.Fatalf("Alloc returned %#x twice", a)
	}
	for _, v := range Uint64s(b, 3) {
		if v != 0 {
			t.Fatalf("block not zeroed: %v", Uint64s(b, 3))
		}
	}
	m.Free(a)
	if c := m.Alloc(8); c == a {
		t.Fatalf("freed block %#x handed out again", a)
	}
}

func TestCreateAndClose(t *testing.T) {
	r := &recorder{}
	lib := New(r.dispatch)

	g := lib.CreateFlags(3)
	if g == 0 {
		t.Fatal("CreateFlags returned NULL")
	}
	if lib.CreatedWith(g) != 3 {
		t.Fatalf("CreatedWith = %d, want 3", lib.CreatedWith(g))
	}
	if eh := lib.SetEventCallback(g, EventClose, 0, 7); eh != 0 {
		t.Fatalf("SetEventCallback = %d, want 0", eh)
	}

	lib.Close(g)
	lib.Close(g)

	want := []recorded{{Event: EventClose, EH: 0}}
	if diff := cmp.Diff(want, r.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if lib.Closes(g) != 2 || lib.DoubleCloses() != 1 {
		t.Fatalf("Closes = %d DoubleCloses = %d", lib.Closes(g), lib.DoubleCloses())
	}
	if lib.Live() != 0 {
		t.Fatalf("Live = %d, want 0", lib.Live())
	}
}

func TestCreateRejectsUnknownFlags(t *testing.T) {
	lib := New((&recorder{}).dispatch)
	if g := lib.CreateFlags(4); g != 0 {
		t.Fatalf("CreateFlags(4) = %#x, want NULL", g)
	}
	if lib.Errno() == 0 {
		t.Fatal("expected errno to be set")
	}
}

func TestDeletedSlotIsSkipped(t *testing.T) {
	r := &recorder{}
	lib := New(r.dispatch)
	g := lib.Create()
	defer lib.Close(g)

	first := lib.SetEventCallback(g, EventAll, 0, 1)
	second := lib.SetEventCallback(g, EventLibrary, 0, 2)
	lib.DeleteEventCallback(g, first)
	lib.DeleteEventCallback(g, 99)

	lib.Emit(g, EventLibrary, []byte("hello"), nil)
	want := []recorded{{Event: EventLibrary, EH: second, Buf: "hello"}}
	if diff := cmp.Diff(want, r.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
	if lib.Callbacks(g) != 1 {
		t.Fatalf("Callbacks = %d, want 1", lib.Callbacks(g))
	}
}

func TestCallbackLimit(t *testing.T) {
	lib := New((&recorder{}).dispatch)
	lib.MaxCallbacks = 2
	g := lib.Create()
	defer lib.Close(g)

	lib.SetEventCallback(g, EventAll, 0, 1)
	lib.SetEventCallback(g, EventAll, 0, 2)
	if eh := lib.SetEventCallback(g, EventAll, 0, 3); eh != -1 {
		t.Fatalf("third SetEventCallback = %d, want -1", eh)
	}
	if readCString(lib.LastError(g)) == "" {
		t.Fatal("expected an error message")
	}
}

func TestTraceAroundCalls(t *testing.T) {
	r := &recorder{}
	lib := New(r.dispatch)
	g := lib.Create()
	defer lib.Close(g)
	lib.SetEventCallback(g, EventTrace|EventEnter, 0, 1)

	lib.SetTrace(g, 1)
	lib.GetTrace(g)

	want := []recorded{
		{Event: EventEnter, Buf: "set_trace"},
		{Event: EventEnter, Buf: "get_trace"},
		{Event: EventTrace, Buf: "get_trace"},
		{Event: EventTrace, Buf: "get_trace = true"},
	}
	if diff := cmp.Diff(want, r.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLaunchAndInspect(t *testing.T) {
	r := &recorder{}
	lib := New(r.dispatch)
	g := lib.Create()
	lib.SetEventCallback(g, EventProgress|EventLaunchDone|EventSubprocessQuit, 0, 1)

	if lib.Launch(g) != -1 {
		t.Fatal("launch without drives should fail")
	}
	if msg := readCString(lib.LastError(g)); msg != "launch: you must call guestfs_add_drive before guestfs_launch" {
		t.Fatalf("LastError = %q", msg)
	}

	lib.AddDriveRO(g, cstr("fedora.img"))
	if lib.Launch(g) != 0 {
		t.Fatal("launch failed")
	}
	last := r.events[len(r.events)-1]
	if last.Event != EventLaunchDone {
		t.Fatalf("last event = %#x, want launch_done", last.Event)
	}

	fs := lib.ListFilesystems(g)
	if got := readStringArray(fs); len(got) != 2*len(lib.Disk.Filesystems) {
		t.Fatalf("ListFilesystems returned %d items", len(got))
	}
	lib.Mem.freeStringArray(fs)

	if lib.MountRO(g, cstr("/dev/VG/Root"), cstr("/")) != 0 {
		t.Fatal("mount_ro failed")
	}
	dir := lib.Readdir(g, cstr("/etc"))
	if n := len(ListRecords[native.Dirent](dir)); n == 0 {
		t.Fatal("readdir returned no entries")
	}
	lib.FreeDirentList(dir)

	var size uintptr
	data := lib.ReadFile(g, cstr("/etc/fedora-release"), &size)
	if got := string(unsafe.Slice((*byte)(unsafe.Pointer(data)), size)); got != "Fedora release 14 (Phony)\n" {
		t.Fatalf("read_file = %q", got)
	}
	lib.Free(data)

	pvs := lib.PVsFull(g)
	lib.FreePVList(pvs)
	v := lib.Version(g)
	lib.FreeVersion(v)

	lib.Close(g)
	if r.events[len(r.events)-1].Event != EventSubprocessQuit {
		t.Fatal("closing a launched handle should emit subprocess_quit")
	}
	if err := lib.Mem.CheckClean(); err != nil {
		t.Fatal(err)
	}
}

func TestEventString(t *testing.T) {
	for _, tt := range []struct {
		bitmask uint64
		want    string
	}{
		{EventClose, "close"},
		{EventTrace | EventEnter, "trace,enter"},
		{0, ""},
		{EventAll, "close,subprocess_quit,launch_done,progress,appliance,library,trace,enter,libvirt_auth,warning"},
	} {
		if got := EventString(tt.bitmask); got != tt.want {
			t.Errorf("EventString(%#x) = %q, want %q", tt.bitmask, got, tt.want)
		}
	}
}
