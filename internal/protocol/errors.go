package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated reports a payload that ends before a field is complete.
	ErrTruncated = errors.New("truncated payload")
	// ErrUnknownKind reports a message or sync step tag this codec does not know.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed reports a structurally invalid field value.
	ErrMalformed = errors.New("malformed payload")
)

// DecodeError describes why a wire payload was rejected. Offset is the byte
// position in the outermost payload where decoding failed.
type DecodeError struct {
	Op     string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reason returns a short label for metrics.
func (e *DecodeError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrTruncated):
		return "truncated"
	case errors.Is(e.Err, ErrUnknownKind):
		return "unknown_kind"
	default:
		return "malformed"
	}
}
