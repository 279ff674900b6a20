package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer does not hold a whole frame yet. It is never a stream fault.
	ErrIncomplete      = errors.New("protocol: incomplete frame")
	ErrInvalidEncoding = errors.New("protocol: invalid encoding")
	ErrBadIO           = errors.New("protocol: bad io")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
	ErrConnClosed      = errors.New("protocol: connection closed")
	ErrConnReset       = errors.New("protocol: connection reset by peer")
)

// IOError wraps a transport read/write failure. errors.Is(err, ErrBadIO) holds for it.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrBadIO, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrBadIO }

// WrapIO returns err as an *IOError for op, or nil when err is nil.
func WrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// Error classes used as log fields and metric labels.
const (
	ClassIncomplete      = "incomplete"
	ClassInvalidEncoding = "invalid_encoding"
	ClassTooLarge        = "payload_too_large"
	ClassBadIO           = "bad_io"
	ClassClosed          = "closed"
	ClassReset           = "reset"
	ClassOther           = "other"
)

// Classify maps err onto the protocol error taxonomy.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIncomplete):
		return ClassIncomplete
	case errors.Is(err, ErrInvalidEncoding):
		return ClassInvalidEncoding
	case errors.Is(err, ErrPayloadTooLarge):
		return ClassTooLarge
	case errors.Is(err, ErrConnClosed):
		return ClassClosed
	case errors.Is(err, ErrConnReset):
		return ClassReset
	case errors.Is(err, ErrBadIO):
		return ClassBadIO
	default:
		return ClassOther
	}
}

// Fatal reports whether err ends the stream it was produced on.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrIncomplete) && !errors.Is(err, ErrPayloadTooLarge) && !errors.Is(err, ErrUnknownKind)
}
