package guestfs

// UUID is a 32 byte LVM identifier as libguestfs reports it. It is not
// NUL-terminated and usually holds printable ASCII.
type UUID [32]byte

// Bytes returns a copy of the raw identifier.
func (u UUID) Bytes() []byte {
	return append([]byte(nil), u[:]...)
}

func (u UUID) String() string {
	return string(u[:])
}
