package guestfs

import (
	"fmt"

	"github.com/tinyrange/guestfs/internal/marshal"
	"github.com/tinyrange/guestfs/internal/native"
	"golang.org/x/mod/semver"
)

// Dirent is a directory entry returned by Readdir.
type Dirent struct {
	Ino int64
	// Ftyp is the file type: 'b', 'c', 'd', 'f' (FIFO), 'l', 'r', 's', 'u'
	// or '?'.
	Ftyp byte
	Name string
}

func direntFromNative(d *native.Dirent) (Dirent, error) {
	name, err := marshal.GoString(d.Name)
	if err != nil {
		return Dirent{}, err
	}
	return Dirent{Ino: d.Ino, Ftyp: d.Ftyp, Name: name}, nil
}

// PV is an LVM physical volume as reported by PVsFull.
type PV struct {
	Name         string
	UUID         UUID
	Fmt          string
	Size         uint64
	DevSize      uint64
	Free         uint64
	Used         uint64
	Attr         string
	PECount      int64
	PEAllocCount int64
	Tags         string
	PEStart      uint64
	MDACount     int64
	MDAFree      uint64
}

func pvFromNative(p *native.PV) (PV, error) {
	var strs [4]string
	for i, ptr := range [...]uintptr{p.PVName, p.PVFmt, p.PVAttr, p.PVTags} {
		s, err := marshal.GoString(ptr)
		if err != nil {
			return PV{}, err
		}
		strs[i] = s
	}
	return PV{
		Name:         strs[0],
		UUID:         UUID(p.PVUUID),
		Fmt:          strs[1],
		Size:         p.PVSize,
		DevSize:      p.DevSize,
		Free:         p.PVFree,
		Used:         p.PVUsed,
		Attr:         strs[2],
		PECount:      p.PVPECount,
		PEAllocCount: p.PVPEAllocCount,
		Tags:         strs[3],
		PEStart:      p.PEStart,
		MDACount:     p.PVMDACount,
		MDAFree:      p.PVMDAFree,
	}, nil
}

// Version is the libguestfs library version.
type Version struct {
	Major   int64
	Minor   int64
	Release int64
	Extra   string
}

func versionFromNative(v *native.Version) (Version, error) {
	extra, err := marshal.GoString(v.Extra)
	if err != nil {
		return Version{}, err
	}
	return Version{Major: v.Major, Minor: v.Minor, Release: v.Release, Extra: extra}, nil
}

// Semver returns the version as "vMAJOR.MINOR.RELEASE".
func (v Version) Semver() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Release)
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Release)
	if v.Extra != "" {
		s += " (" + v.Extra + ")"
	}
	return s
}

// AtLeast reports whether v is the given version or newer. want may omit the
// leading "v" and trailing components, e.g. "1.48".
func (v Version) AtLeast(want string) bool {
	if want == "" || want[0] != 'v' {
		want = "v" + want
	}
	if !semver.IsValid(want) {
		return false
	}
	return semver.Compare(v.Semver(), want) >= 0
}
