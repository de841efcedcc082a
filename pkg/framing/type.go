package framing

import "errors"

// Protocol control characters.
const (
	SOH byte = 0x01
	STX byte = 0x02
	ETX byte = 0x03
	ACK byte = 0x06
	NAK byte = 0x15
)

var (
	ErrMalformedFrame   = errors.New("framing: block delimiters not found")
	ErrChecksumMismatch = errors.New("framing: checksum mismatch")
	ErrEmptyFrame       = errors.New("framing: empty frame")
)

// RawFrame is a delimited unit as received off the wire, before validation.
// Payload excludes the delimiters; Trailer holds the checksum bytes exactly
// as received (one BCC byte for STX/ETX blocks, four hex chars for push
// telegrams).
type RawFrame struct {
	Payload []byte
	Trailer []byte
}

// ValidatedBlock is a frame payload whose checksum has been verified.
// It is only ever produced by Validate.
type ValidatedBlock struct {
	Data []byte
}
