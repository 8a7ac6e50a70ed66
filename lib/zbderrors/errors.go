package zbderrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies why a zone-core operation failed.
type Kind uint8

const (
	// InvalidArgument covers device-open failures and malformed arguments.
	InvalidArgument Kind = iota
	// NotSupported covers a device that isn't host-managed, or that doesn't
	// expose enough zones to be usable.
	NotSupported
	// NoSpace covers an Append that doesn't fit in the zone's remaining capacity.
	NoSpace
	// IOError covers a failed underlying reset/close/finish/report/write.
	IOError
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotSupported:
		return "NotSupported"
	case NoSpace:
		return "NoSpace"
	case IOError:
		return "IOError"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by every exported zone-core operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("zbd: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("zbd: %s: %s", e.Kind, e.Msg)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given kind wrapping cause. If cause is nil,
// Wrap returns nil, mirroring errors.Wrap's nil-in/nil-out convention.
func Wrap(cause error, kind Kind, msg string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: errors.Wrap(cause, msg)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
