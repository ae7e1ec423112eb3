package native

const (
	// DefaultPath is the install name of libguestfs.
	DefaultPath = "libguestfs.0.dylib"

	libcPath    = "/usr/lib/libSystem.B.dylib"
	errnoSymbol = "__error"
)
