package guestfs

import (
	"errors"
	"strings"

	"github.com/tinyrange/guestfs/internal/marshal"
	"github.com/tinyrange/guestfs/internal/native"
	"golang.org/x/sys/unix"
)

// Kind classifies an Error.
type Kind int

const (
	// KindAPI is a failure reported by libguestfs through the handle's
	// last-error state.
	KindAPI Kind = iota + 1
	// KindIllegalString is a Go string argument containing a NUL byte.
	KindIllegalString
	// KindDecode is native text that is not valid UTF-8.
	KindDecode
	// KindOS is a failure of the local system, carrying errno.
	KindOS
	// KindCreate is a failure to create the native handle.
	KindCreate
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindIllegalString:
		return "illegal string"
	case KindDecode:
		return "decode"
	case KindOS:
		return "os"
	case KindCreate:
		return "create"
	default:
		return "unknown"
	}
}

var (
	// ErrCreate matches every KindCreate error.
	ErrCreate = errors.New("failed to create guestfs handle")
	// ErrClosed is wrapped by errors from methods called after Close.
	ErrClosed = errors.New("handle is closed")
	// ErrUnknownEventHandle is wrapped when deleting a callback that is not
	// registered on the handle.
	ErrUnknownEventHandle = errors.New("unknown event handle")

	errNilCallback = errors.New("nil event callback")
)

// Error is the only error type returned by this package.
type Error struct {
	Kind Kind
	// Op is the libguestfs operation that failed, e.g. "launch".
	Op string
	// Message is the native error message for KindAPI errors. It is empty if
	// the library did not set one.
	Message string
	// Errno is the native or OS errno, if any.
	Errno unix.Errno
	// Err is the underlying Go error, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" && e.Errno != 0 {
		msg = e.Errno.Error()
	}
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	// libguestfs messages usually already start with the operation name.
	if strings.HasPrefix(msg, e.Op+": ") {
		return "guestfs: " + msg
	}
	return "guestfs: " + e.Op + ": " + msg
}

// Unwrap exposes Err and Errno, so errors.Is(err, unix.ENOENT) works.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Errno != 0 {
		errs = append(errs, e.Errno)
	}
	return errs
}

// Is reports whether target is ErrCreate and e is a creation failure.
func (e *Error) Is(target error) bool {
	return target == ErrCreate && e.Kind == KindCreate
}

// apiError reads the handle's last-error state. It must be the first native
// call after the failing one, since any later call may overwrite that state.
func (s *handleState) apiError(op string) error {
	p := s.lib.LastError(s.g)
	errno := unix.Errno(s.lib.LastErrno(s.g))

	e := &Error{Kind: KindAPI, Op: op, Errno: errno}
	if p != 0 {
		msg, err := marshal.GoString(p)
		if err != nil {
			return marshalError(op, err)
		}
		e.Message = msg
	}
	return e
}

// osError captures errno for op. The caller must have locked the OS thread
// across the failing call.
func osError(lib native.Library, op string) error {
	return &Error{Kind: KindOS, Op: op, Errno: unix.Errno(lib.Errno())}
}

func closedError(op string) error {
	return &Error{Kind: KindAPI, Op: op, Err: ErrClosed}
}

// marshalError classifies an error from internal/marshal.
func marshalError(op string, err error) error {
	var (
		nul *marshal.NulError
		bad *marshal.InvalidUTF8Error
	)
	switch {
	case errors.As(err, &nul):
		return &Error{Kind: KindIllegalString, Op: op, Err: err}
	case errors.As(err, &bad):
		return &Error{Kind: KindDecode, Op: op, Err: err}
	default:
		return &Error{Kind: KindOS, Op: op, Err: err}
	}
}
