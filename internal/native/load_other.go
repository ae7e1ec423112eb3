//go:build !linux && !darwin

package native

import (
	"errors"
	"runtime"
)

// DefaultPath is empty where libguestfs is not available.
const DefaultPath = ""

// ErrUnsupported is returned by Load on platforms without libguestfs.
var ErrUnsupported = errors.New("libguestfs is not supported on " + runtime.GOOS)

// Load always fails on this platform.
func Load(Options) (Library, error) {
	return nil, ErrUnsupported
}
