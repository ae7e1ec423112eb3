package native

const (
	// DefaultPath is the soname of libguestfs.
	DefaultPath = "libguestfs.so.0"

	libcPath    = "libc.so.6"
	errnoSymbol = "__errno_location"
)
