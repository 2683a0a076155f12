package wire

import (
	"errors"
	"fmt"
)

// ErrDecode is matched by every structural decoding failure.
var ErrDecode = errors.New("malformed packet")

// DecodeError describes where in a packet decoding failed. Offset is relative to the start
// of the frame.
type DecodeError struct {
	Section string
	Offset  int
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed packet: %s at offset %d: %s", e.Section, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrDecode
}
