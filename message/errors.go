package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrBuilderBusy is returned by Store.Start when a builder is already
// in progress. The builder API is not reentrant: only one message may
// be under construction at a time within a process.
var ErrBuilderBusy = errors.New("message: builder already in progress")

// ErrBuilderIdle is returned by Builder methods called without a
// matching Store.Start.
var ErrBuilderIdle = errors.New("message: no builder in progress")

// ErrAddressInvalid is returned when an address does not begin with
// '/' or '!'.
var ErrAddressInvalid = errors.New("message: address must start with '/' or '!'")

// MalformedError reports a wire-format violation found while decoding
// a message: a buffer too short for the timestamp, a string field
// missing its NUL terminator, a bad address or typetag prefix, an
// unknown typetag code, or an argument that would read past the end
// of the buffer.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("message: malformed at offset %d: %s", e.Offset, e.Reason)
}

func malformed(offset int, reason string) error {
	return &MalformedError{Offset: offset, Reason: reason}
}
