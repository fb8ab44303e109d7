package wire

import (
	"errors"
	"fmt"
)

var (
	ErrBadEndian          = errors.New("wire: invalid endianness marker")
	ErrBadVersion         = errors.New("wire: unsupported protocol version")
	ErrBadKind            = errors.New("wire: invalid message kind")
	ErrBadSerial          = errors.New("wire: serial must be non-zero")
	ErrUnknownType        = errors.New("wire: unknown type code")
	ErrBadSignature       = errors.New("wire: invalid signature")
	ErrSignatureMismatch  = errors.New("wire: body does not match signature")
	ErrBadPadding         = errors.New("wire: non-zero alignment padding")
	ErrTruncated          = errors.New("wire: truncated data")
	ErrMessageTooLarge    = errors.New("wire: message too large")
	ErrArrayTooLarge      = errors.New("wire: array too large")
	ErrBadValue           = errors.New("wire: invalid value")
	ErrDuplicateField     = errors.New("wire: duplicate header field")
	ErrMissingField       = errors.New("wire: missing required header field")
	ErrTrailingBytes      = errors.New("wire: trailing bytes after body")
	ErrValueTypeMismatch  = errors.New("wire: go value does not match type")
	ErrNestingTooDeep     = errors.New("wire: container nesting too deep")
	ErrHeaderFieldMistype = errors.New("wire: header field has wrong type")
)

// ProtocolError reports a fatal codec failure. Offset is relative to the
// start of the message being processed.
type ProtocolError struct {
	Op     string
	Offset int
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErr(op string, offset int, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Op: op, Offset: offset, Err: err}
}
