package nbd

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConnection        = errors.New("connection error")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrSecurity          = errors.New("security error")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrServer            = errors.New("server error")

	ErrInvalidMagic = errors.New("invalid magic")
	ErrClosed       = errors.New("session closed")

	errAborted = errors.New("session aborted")
)

// Error describes a failed operation. Kind is one of the sentinel errors
// above; Err is the underlying cause, if any. errors.Is matches both.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("nbd %s: %s", e.Op, e.Kind)
	}

	return fmt.Sprintf("nbd %s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

func connectionError(op string, err error) error {
	return &Error{Kind: ErrConnection, Op: op, Err: err}
}

func protocolError(op string, format string, args ...any) error {
	return &Error{Kind: ErrProtocolViolation, Op: op, Err: errors.Errorf(format, args...)}
}

func securityError(op string, err error) error {
	return &Error{Kind: ErrSecurity, Op: op, Err: err}
}

func invalidArgument(op string, format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Err: errors.Errorf(format, args...)}
}

// ServerError is a nonzero error field in a transmission reply. The session
// stays usable after one.
type ServerError struct {
	Command uint16
	Code    uint32
}

func (e *ServerError) Error() string {
	name, ok := errnoNames[e.Code]
	if !ok {
		name = fmt.Sprintf("errno %d", e.Code)
	}

	return fmt.Sprintf("nbd %s: server error: %s", commandName(e.Command), name)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrServer
}

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrSecurity)
}
