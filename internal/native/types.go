package native

// Go mirrors of the libguestfs structs this module reads. Field order and
// widths must match guestfs.h on 64-bit targets; char* fields are kept as
// uintptr because they point at native memory.

// Dirent mirrors struct guestfs_dirent.
type Dirent struct {
	Ino  int64
	Ftyp byte
	_    [7]byte
	Name uintptr
}

// PV mirrors struct guestfs_lvm_pv.
type PV struct {
	PVName         uintptr
	PVUUID         [32]byte
	PVFmt          uintptr
	PVSize         uint64
	DevSize        uint64
	PVFree         uint64
	PVUsed         uint64
	PVAttr         uintptr
	PVPECount      int64
	PVPEAllocCount int64
	PVTags         uintptr
	PEStart        uint64
	PVMDACount     int64
	PVMDAFree      uint64
}

// Version mirrors struct guestfs_version.
type Version struct {
	Major   int64
	Minor   int64
	Release int64
	Extra   uintptr
}
