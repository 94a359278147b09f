package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by adapter methods after Close.
var ErrClosed = errors.New("transport: adapter closed")

// ErrWrongUplink is returned when SendFrame is called on a PerUtterance
// adapter or Submit on a Continuous one.
var ErrWrongUplink = errors.New("transport: operation not supported by this uplink")

// Kind classifies a failure by how the session must react to it.
type Kind int

const (
	// KindDevice is a capture or output device failure. Fatal.
	KindDevice Kind = iota + 1

	// KindTransport is a connection or request failure. Fatal.
	KindTransport

	// KindPayload is an undecodable inbound payload. Aborts the current turn.
	KindPayload

	// KindProtocol is an unexpected event or transition. Logged and ignored.
	KindProtocol
)

// String returns the kind name used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindTransport:
		return "transport"
	case KindPayload:
		return "payload"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError builds an *Error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err must end the session. Unclassified errors are
// treated as transport failures.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindPayload, KindProtocol:
		return false
	default:
		return true
	}
}
