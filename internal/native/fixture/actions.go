package fixture

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/tinyrange/guestfs/internal/native"
	"golang.org/x/sys/unix"
)

// Dirent is one directory entry of the fake disk.
type Dirent struct {
	Ino  int64
	Ftyp byte
	Name string
}

// PV is one LVM physical volume of the fake disk.
type PV struct {
	Name string
	UUID string
	Fmt  string
	Size uint64
	Free uint64
	Attr string
	Tags string
}

// Disk is the guest every launched handle inspects.
type Disk struct {
	// Devices in list_devices order.
	Devices []string
	// Filesystems maps mountable to filesystem type.
	Filesystems map[string]string
	// Roots are the inspected operating system roots.
	Roots []string
	// Dirs and Files are keyed by path inside the root filesystem.
	Dirs  map[string][]Dirent
	Files map[string][]byte
	PVs   []PV

	Version native.Version
	// VersionExtra is the extra field of guestfs_version.
	VersionExtra string

	// ProgressChunk is the read_file size above which progress notifications
	// are sent.
	ProgressChunk int
}

// DefaultDisk is a small Fedora guest: an ext2 /boot on /dev/sda1 and an LVM
// volume group on /dev/sda2 holding the root filesystem.
func DefaultDisk() Disk {
	return Disk{
		Devices: []string{"/dev/sda"},
		Filesystems: map[string]string{
			"/dev/sda1":    "ext2",
			"/dev/VG/Root": "ext2",
			"/dev/VG/LV1":  "ext2",
			"/dev/VG/LV2":  "ext2",
			"/dev/VG/LV3":  "swap",
		},
		Roots: []string{"/dev/VG/Root"},
		Dirs: map[string][]Dirent{
			"/": {
				{Ino: 2, Ftyp: 'd', Name: "."},
				{Ino: 2, Ftyp: 'd', Name: ".."},
				{Ino: 11, Ftyp: 'd', Name: "lost+found"},
				{Ino: 12, Ftyp: 'd', Name: "boot"},
				{Ino: 13, Ftyp: 'd', Name: "etc"},
				{Ino: 14, Ftyp: 'd', Name: "bin"},
			},
			"/etc": {
				{Ino: 13, Ftyp: 'd', Name: "."},
				{Ino: 2, Ftyp: 'd', Name: ".."},
				{Ino: 20, Ftyp: 'r', Name: "fedora-release"},
				{Ino: 21, Ftyp: 'r', Name: "fstab"},
				{Ino: 22, Ftyp: 'l', Name: "redhat-release"},
			},
		},
		Files: map[string][]byte{
			"/etc/fedora-release": []byte("Fedora release 14 (Phony)\n"),
			"/etc/fstab": []byte("LABEL=BOOT /boot ext2 default 0 0\n" +
				"LABEL=ROOT / ext2 default 0 0\n"),
			"/bin/ls": make([]byte, 1<<20),
		},
		PVs: []PV{{
			Name: "/dev/sda2",
			UUID: "Xm2Ryf3lWi2uwU2Bz0hTVHn3S4kDbf7r",
			Fmt:  "lvm2",
			Size: 1 << 29,
			Free: 1 << 22,
			Attr: "a--",
		}},
		Version:       native.Version{Major: 1, Minor: 52, Release: 0},
		VersionExtra:  "fedora=40,release=1.fc40",
		ProgressChunk: 64 << 10,
	}
}

// enter raises ENTER and, if tracing, the call's trace line. It reports
// whether tracing was on at entry, which decides whether the return is traced.
func (l *Library) enter(g uintptr, name string, args ...string) bool {
	l.mu.Lock()
	traced := l.mustHandle(g).trace
	l.mu.Unlock()

	l.Emit(g, EventEnter, []byte(name), nil)
	if traced {
		line := name
		if len(args) > 0 {
			line += " " + strings.Join(args, " ")
		}
		l.Emit(g, EventTrace, []byte(line), nil)
	}
	return traced
}

func (l *Library) leave(g uintptr, name string, traced bool, ret string) {
	if traced {
		l.Emit(g, EventTrace, []byte(name+" = "+ret), nil)
	}
}

func (l *Library) fail(g uintptr, name string, traced bool, errno unix.Errno, format string, args ...any) {
	l.SetError(g, errno, name+": "+fmt.Sprintf(format, args...))
	l.leave(g, name, traced, "-1 (error)")
}

func (l *Library) state(g uintptr) *handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mustHandle(g)
}

func boolArg(v int32) string {
	if v != 0 {
		return "true"
	}
	return "false"
}

func goString(p *byte) string {
	return readCString(uintptr(unsafe.Pointer(p)))
}

func (l *Library) SetTrace(g uintptr, enable int32) int32 {
	traced := l.enter(g, "set_trace", boolArg(enable))
	l.mu.Lock()
	l.mustHandle(g).trace = enable != 0
	l.mu.Unlock()
	l.leave(g, "set_trace", traced, "0")
	return 0
}

func (l *Library) GetTrace(g uintptr) int32 {
	traced := l.enter(g, "get_trace")
	h := l.state(g)
	ret := boolArg(boolInt(h.trace))
	l.leave(g, "get_trace", traced, ret)
	return boolInt(h.trace)
}

func (l *Library) SetVerbose(g uintptr, enable int32) int32 {
	traced := l.enter(g, "set_verbose", boolArg(enable))
	l.mu.Lock()
	l.mustHandle(g).verbose = enable != 0
	l.mu.Unlock()
	l.leave(g, "set_verbose", traced, "0")
	return 0
}

func (l *Library) GetVerbose(g uintptr) int32 {
	traced := l.enter(g, "get_verbose")
	h := l.state(g)
	l.leave(g, "get_verbose", traced, boolArg(boolInt(h.verbose)))
	return boolInt(h.verbose)
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (l *Library) SetBackendSettings(g uintptr, settings unsafe.Pointer) int32 {
	v := readStringArray(uintptr(settings))
	quoted := make([]string, len(v))
	for i, s := range v {
		quoted[i] = strconv.Quote(s)
	}
	traced := l.enter(g, "set_backend_settings", "["+strings.Join(quoted, ", ")+"]")
	l.mu.Lock()
	l.mustHandle(g).backendSettings = v
	l.mu.Unlock()
	l.leave(g, "set_backend_settings", traced, "0")
	return 0
}

func (l *Library) GetBackendSettings(g uintptr) uintptr {
	traced := l.enter(g, "get_backend_settings")
	h := l.state(g)
	p := l.Mem.StringArray(h.backendSettings)
	l.leave(g, "get_backend_settings", traced, fmt.Sprintf("%d items", len(h.backendSettings)))
	return p
}

func (l *Library) AddDriveRO(g uintptr, filename *byte) int32 {
	name := goString(filename)
	traced := l.enter(g, "add_drive_ro", strconv.Quote(name))
	h := l.state(g)
	if h.launched {
		l.fail(g, "add_drive_ro", traced, 0, "this function can only be called in the config state")
		return -1
	}
	if name == "" {
		l.fail(g, "add_drive_ro", traced, unix.ENOENT, "filename is empty")
		return -1
	}
	l.mu.Lock()
	h.drives = append(h.drives, name)
	l.mu.Unlock()
	l.leave(g, "add_drive_ro", traced, "0")
	return 0
}

// Launch boots the pretend appliance: library debug and appliance console
// output when verbose, a few progress notifications, then LAUNCH_DONE.
func (l *Library) Launch(g uintptr) int32 {
	traced := l.enter(g, "launch")
	h := l.state(g)
	switch {
	case h.launched:
		l.fail(g, "launch", traced, 0, "the libguestfs handle has already been launched")
		return -1
	case len(h.drives) == 0:
		l.fail(g, "launch", traced, 0, "you must call guestfs_add_drive before guestfs_launch")
		return -1
	}

	if h.verbose {
		l.Emit(g, EventLibrary, []byte("launch: backend=direct"), nil)
		l.Emit(g, EventAppliance, []byte("\x1b[1;32mSeaBIOS\x1b[0m (version 1.16.3)\r\n"), nil)
		l.Emit(g, EventAppliance, []byte("Linux version 6.8.5 (mockbuild@fedora)\n"), nil)
	}
	const total = 4
	for i := uint64(0); i <= total; i++ {
		l.Emit(g, EventProgress, nil, []uint64{0, 1, i, total})
	}

	l.mu.Lock()
	h.launched = true
	l.mu.Unlock()
	l.Emit(g, EventLaunchDone, nil, nil)
	l.leave(g, "launch", traced, "0")
	return 0
}

func (l *Library) Shutdown(g uintptr) int32 {
	traced := l.enter(g, "shutdown")
	h := l.state(g)
	if h.launched {
		l.mu.Lock()
		h.launched = false
		clear(h.mounts)
		l.mu.Unlock()
		l.Emit(g, EventSubprocessQuit, nil, nil)
	}
	l.leave(g, "shutdown", traced, "0")
	return 0
}

func (l *Library) requireLaunched(g uintptr, name string, traced bool) bool {
	if l.state(g).launched {
		return true
	}
	l.fail(g, name, traced, 0, "call launch before using this function")
	return false
}

func (l *Library) ListDevices(g uintptr) uintptr {
	traced := l.enter(g, "list_devices")
	if !l.requireLaunched(g, "list_devices", traced) {
		return 0
	}
	p := l.Mem.StringArray(l.Disk.Devices)
	l.leave(g, "list_devices", traced, strconv.Itoa(len(l.Disk.Devices))+" items")
	return p
}

// ListFilesystems returns the flattened mountable/type hash in sorted order.
func (l *Library) ListFilesystems(g uintptr) uintptr {
	traced := l.enter(g, "list_filesystems")
	if !l.requireLaunched(g, "list_filesystems", traced) {
		return 0
	}
	var flat []string
	for _, dev := range slices.Sorted(maps.Keys(l.Disk.Filesystems)) {
		flat = append(flat, dev, l.Disk.Filesystems[dev])
	}
	p := l.Mem.StringArray(flat)
	l.leave(g, "list_filesystems", traced, strconv.Itoa(len(flat)/2)+" items")
	return p
}

func (l *Library) InspectOS(g uintptr) uintptr {
	traced := l.enter(g, "inspect_os")
	if !l.requireLaunched(g, "inspect_os", traced) {
		return 0
	}
	p := l.Mem.StringArray(l.Disk.Roots)
	l.leave(g, "inspect_os", traced, strconv.Itoa(len(l.Disk.Roots))+" items")
	return p
}

func (l *Library) MountRO(g uintptr, mountable, mountpoint *byte) int32 {
	dev, mp := goString(mountable), goString(mountpoint)
	traced := l.enter(g, "mount_ro", strconv.Quote(dev), strconv.Quote(mp))
	if !l.requireLaunched(g, "mount_ro", traced) {
		return -1
	}
	fstype, ok := l.Disk.Filesystems[dev]
	if !ok {
		l.fail(g, "mount_ro", traced, unix.ENOENT, "%s: No such file or directory", dev)
		return -1
	}
	if fstype == "swap" {
		l.fail(g, "mount_ro", traced, unix.EINVAL, "%s: wrong fs type", dev)
		return -1
	}
	l.mu.Lock()
	l.mustHandle(g).mounts[mp] = dev
	l.mu.Unlock()
	l.leave(g, "mount_ro", traced, "0")
	return 0
}

func (l *Library) requireMounted(g uintptr, name, path string, traced bool) bool {
	if !l.requireLaunched(g, name, traced) {
		return false
	}
	l.mu.Lock()
	_, ok := l.mustHandle(g).mounts["/"]
	l.mu.Unlock()
	if !ok {
		l.fail(g, name, traced, unix.ENOENT, "%s: No such file or directory", path)
	}
	return ok
}

func (l *Library) Readdir(g uintptr, dir *byte) uintptr {
	path := goString(dir)
	traced := l.enter(g, "readdir", strconv.Quote(path))
	if !l.requireMounted(g, "readdir", path, traced) {
		return 0
	}
	entries, ok := l.Disk.Dirs[path]
	if !ok {
		l.fail(g, "readdir", traced, unix.ENOENT, "%s: No such file or directory", path)
		return 0
	}
	records := make([]native.Dirent, len(entries))
	for i, e := range entries {
		records[i] = native.Dirent{Ino: e.Ino, Ftyp: e.Ftyp, Name: l.Mem.CString(e.Name)}
	}
	p := List(l.Mem, records)
	l.leave(g, "readdir", traced, "<struct guestfs_dirent_list *>")
	return p
}

// ReadFile returns a copy of the file and sends progress notifications for
// files larger than Disk.ProgressChunk.
func (l *Library) ReadFile(g uintptr, path *byte, size *uintptr) uintptr {
	name := goString(path)
	traced := l.enter(g, "read_file", strconv.Quote(name))
	if !l.requireMounted(g, "read_file", name, traced) {
		return 0
	}
	data, ok := l.Disk.Files[name]
	if !ok {
		l.fail(g, "read_file", traced, unix.ENOENT, "%s: No such file or directory", name)
		return 0
	}
	if chunk := l.Disk.ProgressChunk; chunk > 0 && len(data) > chunk {
		total := uint64(len(data))
		for pos := uint64(0); pos < total; pos += uint64(chunk) {
			l.Emit(g, EventProgress, nil, []uint64{0, 2, pos, total})
		}
		l.Emit(g, EventProgress, nil, []uint64{0, 2, total, total})
	}
	*size = uintptr(len(data))
	p := l.Mem.CBytes(data)
	l.leave(g, "read_file", traced, fmt.Sprintf("<buffer of %d bytes>", len(data)))
	return p
}

func (l *Library) PVsFull(g uintptr) uintptr {
	traced := l.enter(g, "pvs_full")
	if !l.requireLaunched(g, "pvs_full", traced) {
		return 0
	}
	records := make([]native.PV, len(l.Disk.PVs))
	for i, pv := range l.Disk.PVs {
		r := native.PV{
			PVName:     l.Mem.CString(pv.Name),
			PVFmt:      l.Mem.CString(pv.Fmt),
			PVSize:     pv.Size,
			DevSize:    pv.Size,
			PVFree:     pv.Free,
			PVUsed:     pv.Size - pv.Free,
			PVAttr:     l.Mem.CString(pv.Attr),
			PVPECount:  int64(pv.Size >> 22),
			PVTags:     l.Mem.CString(pv.Tags),
			PEStart:    1 << 20,
			PVMDACount: 1,
			PVMDAFree:  1 << 19,
		}
		r.PVPEAllocCount = r.PVPECount - int64(pv.Free>>22)
		copy(r.PVUUID[:], pv.UUID)
		records[i] = r
	}
	p := List(l.Mem, records)
	l.leave(g, "pvs_full", traced, "<struct guestfs_lvm_pv_list *>")
	return p
}

func (l *Library) Version(g uintptr) uintptr {
	traced := l.enter(g, "version")
	v := l.Disk.Version
	v.Extra = l.Mem.CString(l.Disk.VersionExtra)
	p := Put(l.Mem, v)
	l.leave(g, "version", traced, "<struct guestfs_version *>")
	return p
}

func (l *Library) FreeDirentList(p uintptr) {
	if p == 0 {
		return
	}
	for _, d := range ListRecords[native.Dirent](p) {
		l.Mem.Free(d.Name)
	}
	l.Mem.Free(ListVal(p))
	l.Mem.Free(p)
}

func (l *Library) FreePVList(p uintptr) {
	if p == 0 {
		return
	}
	for _, pv := range ListRecords[native.PV](p) {
		l.Mem.Free(pv.PVName)
		l.Mem.Free(pv.PVFmt)
		l.Mem.Free(pv.PVAttr)
		l.Mem.Free(pv.PVTags)
	}
	l.Mem.Free(ListVal(p))
	l.Mem.Free(p)
}

func (l *Library) FreeVersion(p uintptr) {
	if p == 0 {
		return
	}
	l.Mem.Free((*native.Version)(unsafe.Pointer(p)).Extra)
	l.Mem.Free(p)
}
