package guestfs

import "github.com/tinyrange/guestfs/internal/native"

// CreateFlags selects optional behaviour of CreateWithFlags. The zero value
// selects nothing and creates a handle exactly like Create.
type CreateFlags struct {
	noEnvironment bool
	noCloseOnExit bool
}

// NewCreateFlags returns empty flags.
func NewCreateFlags() CreateFlags {
	return CreateFlags{}
}

// NoEnvironment stops the handle from reading LIBGUESTFS_* environment
// variables.
func (f CreateFlags) NoEnvironment(v bool) CreateFlags {
	f.noEnvironment = v
	return f
}

// NoCloseOnExit stops libguestfs from closing the handle in its atexit
// handler.
func (f CreateFlags) NoCloseOnExit(v bool) CreateFlags {
	f.noCloseOnExit = v
	return f
}

func (f CreateFlags) bits() uint32 {
	var b uint32
	if f.noEnvironment {
		b |= native.CreateNoEnvironment
	}
	if f.noCloseOnExit {
		b |= native.CreateNoCloseOnExit
	}
	return b
}
