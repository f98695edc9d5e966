// Package ctlerr defines the typed error vocabulary shared by the serial
// driver, motion and servo subsystems, the facade, and the HTTP/WebSocket
// surfaces, so that every layer classifies failures the same way.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way §7 of the control-plane design does.
type Kind int

const (
	// Transport covers port open failure, write failure, or an
	// unexpected close.
	Transport Kind = iota
	// Timeout means no response arrived within an envelope's deadline.
	Timeout
	// DeviceError wraps a response line containing "Err:" or starting
	// with "!".
	DeviceError
	// Validation means an input was outside its documented range or a
	// required field was missing.
	Validation
	// StateConflict means the operation is not valid in the facade's
	// current state.
	StateConflict
	// ResourceExhausted means a bounded resource (job queue, spatial
	// backpressure slot) is full.
	ResourceExhausted
	// IdentityMismatch means a connect handshake's version banner didn't
	// match the expected device identity (§4.A).
	IdentityMismatch
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case DeviceError:
		return "device_error"
	case Validation:
		return "validation"
	case StateConflict:
		return "state_conflict"
	case ResourceExhausted:
		return "resource_exhausted"
	case IdentityMismatch:
		return "identity_mismatch"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying an optional wrapped cause and, for
// DeviceError, the raw device payload.
type Error struct {
	Kind    Kind
	Message string
	Payload string // raw device line, DeviceError only
	Cause   error
}

func (e *Error) Error() string {
	if e.Payload != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Payload)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func NewDeviceError(payload string) error {
	return &Error{Kind: DeviceError, Message: "device reported an error", Payload: payload}
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if classified, or Transport if err is
// non-nil and unclassified (the safest default: treat unknown lower-layer
// failures as requiring reconnect), or (0, false) if err is nil.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return 0, false
	}
	if e, ok := As(err); ok {
		return e.Kind, true
	}
	return Transport, true
}

// HTTPStatus maps a Kind to the status code the REST surface (§4.H) uses.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return 400
	case StateConflict:
		return 409
	case Transport, Timeout, DeviceError, ResourceExhausted:
		return 500
	default:
		return 500
	}
}

// HTTPStatus returns the status code for err, defaulting to 500 for
// unclassified errors.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok {
		return e.Kind.HTTPStatus()
	}
	return 500
}

// Message returns the user-visible message for err: the device's verbatim
// payload when present, else the error's own text.
func Message(err error) string {
	if e, ok := As(err); ok {
		if e.Payload != "" {
			return e.Payload
		}
		return e.Error()
	}
	return err.Error()
}
