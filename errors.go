package dstc

import (
	"errors"
	"fmt"
)

// Error kinds. Errors from the codec, the registry and dispatch wrap one of
// these, so callers can branch with errors.Is.
var (
	ErrMalformedFormat             = errors.New("malformed format")
	ErrArityMismatch               = errors.New("argument count does not match format")
	ErrEncode                      = errors.New("cannot encode argument")
	ErrTruncatedPayload            = errors.New("truncated payload")
	ErrTrailingBytes               = errors.New("trailing bytes after last field")
	ErrUnknownFunction             = errors.New("unknown function")
	ErrUnknownReference            = errors.New("unknown callback reference")
	ErrDuplicateReference          = errors.New("duplicate callback reference")
	ErrTransportQueue              = errors.New("transport queue failed")
	ErrRegistrationAfterActivation = errors.New("registration after activation")

	// Transport-level causes, always reported wrapped in a TransportError.
	ErrQueueFull       = errors.New("outbound queue full")
	ErrTransportClosed = errors.New("transport closed")
	errNoTransport     = errors.New("no transport bound")

	// ErrRateLimited is returned by RateLimitMiddleware for dropped messages.
	ErrRateLimited = errors.New("dispatch rate limit exceeded")
)

// FormatError describes where a format string failed to parse.
type FormatError struct {
	Format string
	Pos    int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed format %q at offset %d: %s", e.Format, e.Pos, e.Reason)
}

// Unwrap returns ErrMalformedFormat for errors.Is support
func (e *FormatError) Unwrap() error {
	return ErrMalformedFormat
}

// FieldError is returned when a single argument cannot be packed.
type FieldError struct {
	Index int
	Field Field
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %d (%s): %v", e.Index, e.Field, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *FieldError) Unwrap() error {
	return e.Err
}

// DecodeError reports the field and payload offset at which decoding stopped.
type DecodeError struct {
	Offset int
	Field  int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("field %d at offset %d: %v", e.Field, e.Offset, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransportError is surfaced to the call site when the transport refuses to
// queue a payload. It matches both ErrTransportQueue and the transport's own
// cause.
type TransportError struct {
	Function    string
	CallbackRef uint64
	Err         error
}

func (e *TransportError) Error() string {
	target := e.Function
	if e.CallbackRef != 0 {
		target = fmt.Sprintf("callback %#x", e.CallbackRef)
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrTransportQueue, target, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrTransportQueue, target)
}

// Unwrap exposes ErrTransportQueue and the underlying cause
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransportQueue}
	}
	return []error{ErrTransportQueue, e.Err}
}

// HandlerError wraps a failure raised by an invoked handler, including a
// recovered panic.
type HandlerError struct {
	Function    string
	CallbackRef uint64
	Panic       any
	Err         error
}

func (e *HandlerError) Error() string {
	name := e.Function
	if e.CallbackRef != 0 {
		name = fmt.Sprintf("callback %#x", e.CallbackRef)
	}
	if e.Panic != nil {
		return fmt.Sprintf("handler %s panicked: %v", name, e.Panic)
	}
	return fmt.Sprintf("handler %s failed: %v", name, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *HandlerError) Unwrap() error {
	return e.Err
}
