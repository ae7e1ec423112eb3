package guestfs

import (
	"runtime"

	"github.com/tinyrange/guestfs/internal/marshal"
	"github.com/tinyrange/guestfs/internal/native"
)

// Each wrapper below follows the same shape: enter the handle, make one
// native call, read the last error on failure, convert the result, release
// native memory, leave.

func boolArg(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// SetTrace turns command tracing on or off. Trace lines are delivered as
// EventTrace.
func (h *Handle) SetTrace(enable bool) error {
	return h.call("set_trace", func(lib native.Library, g uintptr) int32 {
		return lib.SetTrace(g, boolArg(enable))
	})
}

// GetTrace reports whether command tracing is on.
func (h *Handle) GetTrace() (bool, error) {
	return h.callBool("get_trace", native.Library.GetTrace)
}

// SetVerbose turns debug messages on or off. They are delivered as
// EventLibrary and EventAppliance.
func (h *Handle) SetVerbose(enable bool) error {
	return h.call("set_verbose", func(lib native.Library, g uintptr) int32 {
		return lib.SetVerbose(g, boolArg(enable))
	})
}

// GetVerbose reports whether debug messages are on.
func (h *Handle) GetVerbose() (bool, error) {
	return h.callBool("get_verbose", native.Library.GetVerbose)
}

// SetBackendSettings replaces the backend settings, e.g. "force_tcg".
func (h *Handle) SetBackendSettings(settings []string) error {
	const op = "set_backend_settings"
	arr, err := marshal.CStrings(settings)
	if err != nil {
		return marshalError(op, err)
	}
	defer arr.KeepAlive()
	return h.call(op, func(lib native.Library, g uintptr) int32 {
		return lib.SetBackendSettings(g, arr.Pointer())
	})
}

// GetBackendSettings returns the backend settings.
func (h *Handle) GetBackendSettings() ([]string, error) {
	return h.stringList("get_backend_settings", native.Library.GetBackendSettings)
}

// AddDriveRO adds a disk image in read-only mode.
func (h *Handle) AddDriveRO(filename string) error {
	const op = "add_drive_ro"
	name, err := marshal.CString(filename)
	if err != nil {
		return marshalError(op, err)
	}
	defer runtime.KeepAlive(name)
	return h.call(op, func(lib native.Library, g uintptr) int32 {
		return lib.AddDriveRO(g, &name[0])
	})
}

// Launch starts the appliance. Progress is reported through EventProgress and
// completion through EventLaunchDone.
func (h *Handle) Launch() error {
	return h.call("launch", native.Library.Launch)
}

// Shutdown stops the appliance, emitting EventSubprocessQuit.
func (h *Handle) Shutdown() error {
	return h.call("shutdown", native.Library.Shutdown)
}

// ListDevices lists the block devices of the appliance.
func (h *Handle) ListDevices() ([]string, error) {
	return h.stringList("list_devices", native.Library.ListDevices)
}

// ListFilesystems maps every mountable to its filesystem type.
func (h *Handle) ListFilesystems() (map[string]string, error) {
	const op = "list_filesystems"
	g, err := h.enter(op)
	if err != nil {
		return nil, err
	}
	s := h.state
	defer s.leave()

	p := s.lib.ListFilesystems(g)
	if p == 0 {
		return nil, s.apiError(op)
	}
	defer marshal.FreeStringList(p, s.lib.Free)

	m, err := marshal.HashMap(p)
	if err != nil {
		return nil, marshalError(op, err)
	}
	return m, nil
}

// InspectOS returns the root filesystem of every operating system found.
func (h *Handle) InspectOS() ([]string, error) {
	return h.stringList("inspect_os", native.Library.InspectOS)
}

// MountRO mounts mountable read-only at mountpoint.
func (h *Handle) MountRO(mountable, mountpoint string) error {
	const op = "mount_ro"
	dev, err := marshal.CString(mountable)
	if err != nil {
		return marshalError(op, err)
	}
	mp, err := marshal.CString(mountpoint)
	if err != nil {
		return marshalError(op, err)
	}
	defer runtime.KeepAlive(dev)
	defer runtime.KeepAlive(mp)
	return h.call(op, func(lib native.Library, g uintptr) int32 {
		return lib.MountRO(g, &dev[0], &mp[0])
	})
}

// Readdir lists a directory of the mounted guest, including "." and "..".
func (h *Handle) Readdir(dir string) ([]Dirent, error) {
	const op = "readdir"
	path, err := marshal.CString(dir)
	if err != nil {
		return nil, marshalError(op, err)
	}
	g, err := h.enter(op)
	if err != nil {
		return nil, err
	}
	s := h.state
	defer s.leave()

	p := s.lib.Readdir(g, &path[0])
	runtime.KeepAlive(path)
	if p == 0 {
		return nil, s.apiError(op)
	}
	defer s.lib.FreeDirentList(p)

	out, err := marshal.StructList(marshal.ListAt[native.Dirent](p), direntFromNative)
	if err != nil {
		return nil, marshalError(op, err)
	}
	return out, nil
}

// ReadFile returns the contents of a file in the mounted guest. Large reads
// report EventProgress.
func (h *Handle) ReadFile(name string) ([]byte, error) {
	const op = "read_file"
	path, err := marshal.CString(name)
	if err != nil {
		return nil, marshalError(op, err)
	}
	g, err := h.enter(op)
	if err != nil {
		return nil, err
	}
	s := h.state
	defer s.leave()

	var size uintptr
	p := s.lib.ReadFile(g, &path[0], &size)
	runtime.KeepAlive(path)
	if p == 0 {
		return nil, s.apiError(op)
	}
	defer s.lib.Free(p)
	return marshal.Bytes(p, int(size)), nil
}

// PVsFull lists LVM physical volumes with all their fields.
func (h *Handle) PVsFull() ([]PV, error) {
	const op = "pvs_full"
	g, err := h.enter(op)
	if err != nil {
		return nil, err
	}
	s := h.state
	defer s.leave()

	p := s.lib.PVsFull(g)
	if p == 0 {
		return nil, s.apiError(op)
	}
	defer s.lib.FreePVList(p)

	out, err := marshal.StructList(marshal.ListAt[native.PV](p), pvFromNative)
	if err != nil {
		return nil, marshalError(op, err)
	}
	return out, nil
}

// Version returns the version of the loaded library.
func (h *Handle) Version() (Version, error) {
	const op = "version"
	g, err := h.enter(op)
	if err != nil {
		return Version{}, err
	}
	s := h.state
	defer s.leave()

	p := s.lib.Version(g)
	if p == 0 {
		return Version{}, s.apiError(op)
	}
	defer s.lib.FreeVersion(p)

	v, err := versionFromNative(marshal.StructAt[native.Version](p))
	if err != nil {
		return Version{}, marshalError(op, err)
	}
	return v, nil
}

// call runs a native function returning 0 or -1.
func (h *Handle) call(op string, fn func(native.Library, uintptr) int32) error {
	g, err := h.enter(op)
	if err != nil {
		return err
	}
	s := h.state
	defer s.leave()

	if fn(s.lib, g) == -1 {
		return s.apiError(op)
	}
	return nil
}

// callBool runs a native function returning a boolean or -1.
func (h *Handle) callBool(op string, fn func(native.Library, uintptr) int32) (bool, error) {
	g, err := h.enter(op)
	if err != nil {
		return false, err
	}
	s := h.state
	defer s.leave()

	r := fn(s.lib, g)
	if r == -1 {
		return false, s.apiError(op)
	}
	return r != 0, nil
}

// stringList runs a native function returning a char ** the caller frees.
func (h *Handle) stringList(op string, fn func(native.Library, uintptr) uintptr) ([]string, error) {
	g, err := h.enter(op)
	if err != nil {
		return nil, err
	}
	s := h.state
	defer s.leave()

	p := fn(s.lib, g)
	if p == 0 {
		return nil, s.apiError(op)
	}
	defer marshal.FreeStringList(p, s.lib.Free)

	out, err := marshal.StringList(p)
	if err != nil {
		return nil, marshalError(op, err)
	}
	return out, nil
}
