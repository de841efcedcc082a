package framing

import (
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

// Checksum verifies the trailer of a RawFrame against its payload. The
// concrete algorithm depends on the protocol variant the meter negotiated,
// so it is a strategy rather than a hard-coded routine.
type Checksum interface {
	Name() string
	Verify(frame RawFrame) error
}

// XorBCC is the IEC 62056-21 block check character: XOR over the payload
// bytes and the trailing ETX.
type XorBCC struct{}

func (XorBCC) Name() string { return "bcc-xor" }

func (XorBCC) Verify(frame RawFrame) error {
	if len(frame.Trailer) != 1 {
		return fmt.Errorf("%w: expected 1 BCC byte, got %d", ErrChecksumMismatch, len(frame.Trailer))
	}
	var bcc byte
	for _, b := range frame.Payload {
		bcc ^= b
	}
	bcc ^= ETX
	if bcc != frame.Trailer[0] {
		return fmt.Errorf("%w: computed 0x%02X, received 0x%02X", ErrChecksumMismatch, bcc, frame.Trailer[0])
	}
	return nil
}

// SumBCC is the additive (mod 256) block check variant some meter firmware
// uses in place of XOR.
type SumBCC struct{}

func (SumBCC) Name() string { return "bcc-sum" }

func (SumBCC) Verify(frame RawFrame) error {
	if len(frame.Trailer) != 1 {
		return fmt.Errorf("%w: expected 1 BCC byte, got %d", ErrChecksumMismatch, len(frame.Trailer))
	}
	var bcc byte
	for _, b := range frame.Payload {
		bcc += b
	}
	bcc += ETX
	if bcc != frame.Trailer[0] {
		return fmt.Errorf("%w: computed 0x%02X, received 0x%02X", ErrChecksumMismatch, bcc, frame.Trailer[0])
	}
	return nil
}

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// TelegramCRC validates pushed telegrams that carry a CRC16/ARC as four
// uppercase hex characters after the "!" terminator.
type TelegramCRC struct{}

func (TelegramCRC) Name() string { return "crc16-arc" }

func (TelegramCRC) Verify(frame RawFrame) error {
	if len(frame.Trailer) != 4 {
		return fmt.Errorf("%w: expected 4 CRC chars, got %d", ErrChecksumMismatch, len(frame.Trailer))
	}
	calc := fmt.Sprintf("%04X", crc16.Checksum(frame.Payload, crcTable))
	got := strings.ToUpper(string(frame.Trailer))
	if got != calc {
		return fmt.Errorf("%w: computed %s, received %s", ErrChecksumMismatch, calc, got)
	}
	return nil
}

// StrategyFor maps a configured checksum mode name to a strategy.
// Unknown names fall back to the XOR block check.
func StrategyFor(name string) Checksum {
	switch strings.ToLower(name) {
	case "sum":
		return SumBCC{}
	case "crc16":
		return TelegramCRC{}
	default:
		return XorBCC{}
	}
}
