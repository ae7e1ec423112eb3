package marshal

import "unsafe"

// ByteView aliases n bytes of native memory at p without copying. The slice
// is only valid while the native side keeps the buffer alive, which for event
// payloads means the duration of the callback.
func ByteView(p, n uintptr) []byte {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

// Uint64View aliases n uint64 values of native memory at p without copying,
// with the same lifetime rules as ByteView.
func Uint64View(p, n uintptr) []uint64 {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(p)), n)
}
