//go:build linux || darwin

package native

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	loadMu sync.Mutex
	loaded *lib

	// dispatch receives every event the library emits. purego callbacks can
	// never be released, so a single trampoline pointer serves all handles.
	dispatch    DispatchFunc
	callbackPtr uintptr

	guestfsLib uintptr
	libcLib    uintptr

	guestfs_create                func() uintptr
	guestfs_create_flags          func(flags uint32) uintptr
	guestfs_close                 func(g uintptr)
	guestfs_last_error            func(g uintptr) uintptr
	guestfs_last_errno            func(g uintptr) int32
	guestfs_set_event_callback    func(g, cb uintptr, bitmask uint64, flags int32, opaque uintptr) int32
	guestfs_delete_event_callback func(g uintptr, eh int32)
	guestfs_event_to_string       func(bitmask uint64) uintptr

	guestfs_set_trace            func(g uintptr, v int32) int32
	guestfs_get_trace            func(g uintptr) int32
	guestfs_set_verbose          func(g uintptr, v int32) int32
	guestfs_get_verbose          func(g uintptr) int32
	guestfs_set_backend_settings func(g uintptr, settings unsafe.Pointer) int32
	guestfs_get_backend_settings func(g uintptr) uintptr
	guestfs_add_drive_ro         func(g uintptr, filename *byte) int32
	guestfs_launch               func(g uintptr) int32
	guestfs_shutdown             func(g uintptr) int32
	guestfs_list_devices         func(g uintptr) uintptr
	guestfs_list_filesystems     func(g uintptr) uintptr
	guestfs_inspect_os           func(g uintptr) uintptr
	guestfs_mount_ro             func(g uintptr, mountable, mountpoint *byte) int32
	guestfs_readdir              func(g uintptr, dir *byte) uintptr
	guestfs_read_file            func(g uintptr, path *byte, size *uintptr) uintptr
	guestfs_pvs_full             func(g uintptr) uintptr
	guestfs_version              func(g uintptr) uintptr
	guestfs_free_dirent_list     func(p uintptr)
	guestfs_free_lvm_pv_list     func(p uintptr)
	guestfs_free_version         func(p uintptr)

	libcFree      func(p uintptr)
	errnoLocation func() uintptr
)

// Load opens libguestfs and libc and binds every symbol the bindings use.
//
// The first successful call does the work; later calls return the same
// library regardless of opts, because the callback trampoline is
// process-wide. A failed load is not cached, so it can be retried with
// another path.
func Load(opts Options) (Library, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	if loaded != nil {
		return loaded, nil
	}

	path := opts.Path
	if path == "" {
		path = DefaultPath
	}

	g, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("purego dlopen %s: %w", path, err)
	}
	c, err := purego.Dlopen(libcPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		purego.Dlclose(g)
		return nil, fmt.Errorf("purego dlopen %s: %w", libcPath, err)
	}
	guestfsLib, libcLib = g, c

	if err := bindSymbols(); err != nil {
		purego.Dlclose(c)
		purego.Dlclose(g)
		guestfsLib, libcLib = 0, 0
		return nil, err
	}

	dispatch = opts.Dispatch
	callbackPtr = purego.NewCallback(trampoline)
	loaded = &lib{}
	return loaded, nil
}

// bindSymbols resolves every function up front so a missing symbol is a load
// error rather than a panic in the middle of a call.
func bindSymbols() error {
	bindings := []struct {
		fptr   any
		handle uintptr
		name   string
	}{
		{&guestfs_create, guestfsLib, "guestfs_create"},
		{&guestfs_create_flags, guestfsLib, "guestfs_create_flags"},
		{&guestfs_close, guestfsLib, "guestfs_close"},
		{&guestfs_last_error, guestfsLib, "guestfs_last_error"},
		{&guestfs_last_errno, guestfsLib, "guestfs_last_errno"},
		{&guestfs_set_event_callback, guestfsLib, "guestfs_set_event_callback"},
		{&guestfs_delete_event_callback, guestfsLib, "guestfs_delete_event_callback"},
		{&guestfs_event_to_string, guestfsLib, "guestfs_event_to_string"},

		{&guestfs_set_trace, guestfsLib, "guestfs_set_trace"},
		{&guestfs_get_trace, guestfsLib, "guestfs_get_trace"},
		{&guestfs_set_verbose, guestfsLib, "guestfs_set_verbose"},
		{&guestfs_get_verbose, guestfsLib, "guestfs_get_verbose"},
		{&guestfs_set_backend_settings, guestfsLib, "guestfs_set_backend_settings"},
		{&guestfs_get_backend_settings, guestfsLib, "guestfs_get_backend_settings"},
		{&guestfs_add_drive_ro, guestfsLib, "guestfs_add_drive_ro"},
		{&guestfs_launch, guestfsLib, "guestfs_launch"},
		{&guestfs_shutdown, guestfsLib, "guestfs_shutdown"},
		{&guestfs_list_devices, guestfsLib, "guestfs_list_devices"},
		{&guestfs_list_filesystems, guestfsLib, "guestfs_list_filesystems"},
		{&guestfs_inspect_os, guestfsLib, "guestfs_inspect_os"},
		{&guestfs_mount_ro, guestfsLib, "guestfs_mount_ro"},
		{&guestfs_readdir, guestfsLib, "guestfs_readdir"},
		{&guestfs_read_file, guestfsLib, "guestfs_read_file"},
		{&guestfs_pvs_full, guestfsLib, "guestfs_pvs_full"},
		{&guestfs_version, guestfsLib, "guestfs_version"},
		{&guestfs_free_dirent_list, guestfsLib, "guestfs_free_dirent_list"},
		{&guestfs_free_lvm_pv_list, guestfsLib, "guestfs_free_lvm_pv_list"},
		{&guestfs_free_version, guestfsLib, "guestfs_free_version"},

		{&libcFree, libcLib, "free"},
		{&errnoLocation, libcLib, errnoSymbol},
	}

	for _, b := range bindings {
		sym, err := purego.Dlsym(b.handle, b.name)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", b.name, err)
		}
		purego.RegisterFunc(b.fptr, sym)
	}
	return nil
}

func trampoline(g, opaque uintptr, event uint64, eventHandle, flags int32, buf, bufLen, array, arrayLen uintptr) {
	if dispatch != nil {
		dispatch(g, opaque, event, eventHandle, flags, buf, bufLen, array, arrayLen)
	}
}

// lib forwards the Library interface to the bound symbols.
type lib struct{}

func (*lib) Create() uintptr { return guestfs_create() }
func (*lib) CreateFlags(flags uint32) uintptr { return guestfs_create_flags(flags) }
func (*lib) Close(g uintptr) { guestfs_close(g) }
func (*lib) LastError(g uintptr) uintptr { return guestfs_last_error(g) }
func (*lib) LastErrno(g uintptr) int32 { return guestfs_last_errno(g) }

func (*lib) SetEventCallback(g uintptr, bitmask uint64, flags int32, opaque uintptr) int32 {
	return guestfs_set_event_callback(g, callbackPtr, bitmask, flags, opaque)
}

func (*lib) DeleteEventCallback(g uintptr, eh int32) { guestfs_delete_event_callback(g, eh) }
func (*lib) EventToString(bitmask uint64) uintptr { return guestfs_event_to_string(bitmask) }
func (*lib) Free(p uintptr) { libcFree(p) }

func (*lib) Errno() int32 {
	return *(*int32)(unsafe.Pointer(errnoLocation()))
}

func (*lib) SetTrace(g uintptr, v int32) int32 { return guestfs_set_trace(g, v) }
func (*lib) GetTrace(g uintptr) int32 { return guestfs_get_trace(g) }
func (*lib) SetVerbose(g uintptr, v int32) int32 { return guestfs_set_verbose(g, v) }
func (*lib) GetVerbose(g uintptr) int32 { return guestfs_get_verbose(g) }

func (*lib) SetBackendSettings(g uintptr, settings unsafe.Pointer) int32 {
	return guestfs_set_backend_settings(g, settings)
}

func (*lib) GetBackendSettings(g uintptr) uintptr { return guestfs_get_backend_settings(g) }

func (*lib) AddDriveRO(g uintptr, filename *byte) int32 {
	return guestfs_add_drive_ro(g, filename)
}
func (*lib) Launch(g uintptr) int32 { return guestfs_launch(g) }
func (*lib) Shutdown(g uintptr) int32 { return guestfs_shutdown(g) }
func (*lib) ListDevices(g uintptr) uintptr { return guestfs_list_devices(g) }
func (*lib) ListFilesystems(g uintptr) uintptr { return guestfs_list_filesystems(g) }
func (*lib) InspectOS(g uintptr) uintptr { return guestfs_inspect_os(g) }

func (*lib) MountRO(g uintptr, mountable, mountpoint *byte) int32 {
	return guestfs_mount_ro(g, mountable, mountpoint)
}

func (*lib) Readdir(g uintptr, dir *byte) uintptr { return guestfs_readdir(g, dir) }

func (*lib) ReadFile(g uintptr, path *byte, size *uintptr) uintptr {
	return guestfs_read_file(g, path, size)
}

func (*lib) PVsFull(g uintptr) uintptr { return guestfs_pvs_full(g) }
func (*lib) Version(g uintptr) uintptr { return guestfs_version(g) }
func (*lib) FreeDirentList(p uintptr) { guestfs_free_dirent_list(p) }
func (*lib) FreePVList(p uintptr) { guestfs_free_lvm_pv_list(p) }
func (*lib) FreeVersion(p uintptr) { guestfs_free_version(p) }
