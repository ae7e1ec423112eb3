package marshal

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/guestfs/internal/native"
	"github.com/tinyrange/guestfs/internal/native/fixture"
)

func TestStringList(t *testing.T) {
	for _, tt := range []struct {
		name string
		in   []string
	}{
		{"empty", []string{}},
		{"one", []string{"/dev/sda"}},
		{"several", []string{"/dev/sda", "/dev/sdb", "/dev/sdc"}},
		{"unicode", []string{"ルート", "café"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m := fixture.NewMemory()
			p := m.StringArray(tt.in)

			got, err := StringList(p)
			if err != nil {
				t.Fatalf("StringList: %v", err)
			}
			if diff := cmp.Diff(tt.in, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}

			FreeStringList(p, m.Free)
			if err := m.CheckClean(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestStringListNull(t *testing.T) {
	if _, err := StringList(0); !errors.Is(err, ErrNullPointer) {
		t.Fatalf("StringList(0) error = %v, want ErrNullPointer", err)
	}
}

func TestStringListInvalidUTF8(t *testing.T) {
	m := fixture.NewMemory()
	p := m.StringArray([]string{"fine", "ab\xffcd", "also fine"})
	defer FreeStringList(p, m.Free)

	got, err := StringList(p)
	var bad *InvalidUTF8Error
	if !errors.As(err, &bad) {
		t.Fatalf("StringList error = %v, want *InvalidUTF8Error", err)
	}
	if bad.ValidUpTo != 2 {
		t.Fatalf("ValidUpTo = %d, want 2", bad.ValidUpTo)
	}
	if got != nil {
		t.Fatalf("expected no partial result, got %q", got)
	}
}

func TestNullTerminatedIsSticky(t *testing.T) {
	m := fixture.NewMemory()
	p := m.StringArray([]string{"a"})
	defer FreeStringList(p, m.Free)

	it := NewNullTerminated(p)
	if _, ok := it.Next(); !ok {
		t.Fatal("expected one element")
	}
	for i := 0; i < 3; i++ {
		if _, ok := it.Next(); ok {
			t.Fatal("iterator produced an element after the terminator")
		}
	}
}

func TestHashMap(t *testing.T) {
	m := fixture.NewMemory()
	p := m.StringArray([]string{"/dev/sda1", "ext2", "/dev/VG/Root", "ext4"})
	defer FreeStringList(p, m.Free)

	got, err := HashMap(p)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"/dev/sda1": "ext2", "/dev/VG/Root": "ext4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHashMapEmpty(t *testing.T) {
	m := fixture.NewMemory()
	p := m.StringArray(nil)
	defer FreeStringList(p, m.Free)

	got, err := HashMap(p)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("HashMap = %v, want empty non-nil map", got)
	}
}

func TestHashMapOddPanics(t *testing.T) {
	m := fixture.NewMemory()
	p := m.StringArray([]string{"k1", "v1", "k2"})
	defer FreeStringList(p, m.Free)

	defer func() {
		r := recover()
		cv, ok := r.(*ContractViolation)
		if !ok {
			t.Fatalf("recovered %v, want *ContractViolation", r)
		}
		if cv.Msg != "odd number of items in hash table" {
			t.Fatalf("Msg = %q", cv.Msg)
		}
	}()
	HashMap(p)
	t.Fatal("HashMap did not panic")
}

type dirent struct {
	Ino  int64
	Name string
}

func convertDirent(d *native.Dirent) (dirent, error) {
	name, err := GoString(d.Name)
	if err != nil {
		return dirent{}, err
	}
	return dirent{Ino: d.Ino, Name: name}, nil
}

func TestStructList(t *testing.T) {
	m := fixture.NewMemory()
	p := fixture.List(m, []native.Dirent{
		{Ino: 2, Ftyp: 'd', Name: m.CString(".")},
		{Ino: 12, Ftyp: 'r', Name: m.CString("fstab")},
	})
	defer freeDirents(m, p)

	got, err := StructList(ListAt[native.Dirent](p), convertDirent)
	if err != nil {
		t.Fatal(err)
	}
	want := []dirent{{2, "."}, {12, "fstab"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestStructListEmpty(t *testing.T) {
	m := fixture.NewMemory()
	p := fixture.List[native.Dirent](m, nil)
	defer freeDirents(m, p)

	got, err := StructList(ListAt[native.Dirent](p), convertDirent)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("StructList = %v, want empty slice", got)
	}
}

func TestStructListStopsAtFirstError(t *testing.T) {
	m := fixture.NewMemory()
	p := fixture.List(m, []native.Dirent{
		{Ino: 1, Name: m.CString("ok")},
		{Ino: 2, Name: m.CString("\xc3")},
		{Ino: 3, Name: m.CString("never")},
	})
	defer freeDirents(m, p)

	calls := 0
	_, err := StructList(ListAt[native.Dirent](p), func(d *native.Dirent) (dirent, error) {
		calls++
		return convertDirent(d)
	})
	var bad *InvalidUTF8Error
	if !errors.As(err, &bad) {
		t.Fatalf("error = %v, want *InvalidUTF8Error", err)
	}
	if calls != 2 {
		t.Fatalf("conv called %d times, want 2", calls)
	}
}

func freeDirents(m *fixture.Memory, p uintptr) {
	for _, d := range fixture.ListRecords[native.Dirent](p) {
		m.Free(d.Name)
	}
	m.Free(fixture.ListVal(p))
	m.Free(p)
}

func TestCStrings(t *testing.T) {
	in := []string{"cache=unsafe", "", "force_tcg"}
	a, err := CStrings(in)
	if err != nil {
		t.Fatal(err)
	}
	if a.Len() != len(in) {
		t.Fatalf("Len = %d, want %d", a.Len(), len(in))
	}

	got, err := StringList(uintptr(a.Pointer()))
	a.KeepAlive()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCStringsRejectsNul(t *testing.T) {
	_, err := CStrings([]string{"ok", "ok", "bad\x00value"})
	var nul *NulError
	if !errors.As(err, &nul) {
		t.Fatalf("error = %v, want *NulError", err)
	}
	if nul.Index != 2 || nul.Pos != 3 {
		t.Fatalf("NulError = %+v, want index 2 position 3", nul)
	}
}

func TestCString(t *testing.T) {
	b, err := CString("/dev/sda")
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 9 || b[8] != 0 {
		t.Fatalf("CString = %q, want NUL-terminated", b)
	}
	if _, err := CString("a\x00"); err == nil {
		t.Fatal("expected an error for an embedded NUL")
	}
}

func TestGoString(t *testing.T) {
	m := fixture.NewMemory()
	p := m.CString("Fedora release 14 (Phony)")
	defer m.Free(p)

	got, err := GoString(p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Fedora release 14 (Phony)" {
		t.Fatalf("GoString = %q", got)
	}
	if _, err := GoString(0); !errors.Is(err, ErrNullPointer) {
		t.Fatalf("GoString(0) error = %v", err)
	}
}

func TestBytesCopies(t *testing.T) {
	m := fixture.NewMemory()
	p := m.CBytes([]byte{0, 1, 2, 0xff})

	got := Bytes(p, 4)
	*(*byte)(unsafe.Pointer(p)) = 9
	m.Free(p)

	if diff := cmp.Diff([]byte{0, 1, 2, 0xff}, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
	if got := Bytes(0, 10); got == nil || len(got) != 0 {
		t.Fatalf("Bytes(0) = %v, want empty", got)
	}
}

func TestViews(t *testing.T) {
	m := fixture.NewMemory()
	p := m.Alloc(32)
	defer m.Free(p)
	copy(fixture.Uint64s(p, 4), []uint64{3, 7, 512, 4096})

	if got := Uint64View(p, 4); !cmp.Equal(got, []uint64{3, 7, 512, 4096}) {
		t.Fatalf("Uint64View = %v", got)
	}
	if got := ByteView(p, 1); len(got) != 1 || got[0] != 3 {
		t.Fatalf("ByteView = %v", got)
	}
	if ByteView(0, 4) != nil || Uint64View(p, 0) != nil {
		t.Fatal("empty views should be nil")
	}
}
