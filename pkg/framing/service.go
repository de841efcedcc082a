// Package framing builds request frames and validates response frames for
// the IEC 62056-21 optical exchange. It performs no I/O.
package framing

import (
	"bytes"
	"fmt"
)

// EncodeRequest builds the sign-on request line: "/" + query code +
// optional device address + "!" + CRLF. An empty query code means the
// wildcard "?".
func EncodeRequest(queryCode string, deviceID string) []byte {
	if queryCode == "" {
		queryCode = "?"
	}
	return []byte("/" + queryCode + deviceID + "!\r\n")
}

// EncodeAck builds the acknowledgement/option-select frame sent after the
// identification message: ACK, protocol control '0', the baud rate
// character and the mode character ('0' selects data readout).
func EncodeAck(baudChar byte, modeChar byte) []byte {
	return []byte{ACK, '0', baudChar, modeChar, '\r', '\n'}
}

// ExtractBlock locates an STX/ETX delimited data block in buf and captures
// the BCC byte that follows ETX.
func ExtractBlock(buf []byte) (RawFrame, error) {
	start := bytes.IndexByte(buf, STX)
	if start < 0 {
		return RawFrame{}, fmt.Errorf("%w: no STX in %d bytes", ErrMalformedFrame, len(buf))
	}
	end := bytes.IndexByte(buf[start:], ETX)
	if end < 0 {
		return RawFrame{}, fmt.Errorf("%w: no ETX after STX", ErrMalformedFrame)
	}
	end += start
	if end+1 >= len(buf) {
		return RawFrame{}, fmt.Errorf("%w: BCC byte missing after ETX", ErrMalformedFrame)
	}
	return RawFrame{
		Payload: buf[start+1 : end],
		Trailer: buf[end+1 : end+2],
	}, nil
}

// ExtractTelegram locates a pushed telegram ("/" ... "!" + 4 hex CRC) in
// buf. Used in listen-only mode where the meter transmits unprompted.
// The CRC scope runs from "/" up to and including "!".
func ExtractTelegram(buf []byte) (RawFrame, error) {
	start := bytes.IndexByte(buf, '/')
	if start < 0 {
		return RawFrame{}, fmt.Errorf("%w: no telegram start in %d bytes", ErrMalformedFrame, len(buf))
	}
	end := bytes.IndexByte(buf[start:], '!')
	if end < 0 {
		return RawFrame{}, fmt.Errorf("%w: no telegram terminator", ErrMalformedFrame)
	}
	end += start
	if end+5 > len(buf) {
		return RawFrame{}, fmt.Errorf("%w: telegram CRC missing", ErrMalformedFrame)
	}
	return RawFrame{
		Payload: buf[start : end+1],
		Trailer: buf[end+1 : end+5],
	}, nil
}

// Validate recomputes the frame checksum with the given strategy and
// compares it to the received trailer. A nil strategy skips validation
// (use_checksum disabled in config).
func Validate(frame RawFrame, cs Checksum) (ValidatedBlock, error) {
	if len(frame.Payload) == 0 {
		return ValidatedBlock{}, ErrEmptyFrame
	}
	if cs == nil {
		return ValidatedBlock{Data: frame.Payload}, nil
	}
	if err := cs.Verify(frame); err != nil {
		return ValidatedBlock{}, err
	}
	return ValidatedBlock{Data: frame.Payload}, nil
}
