package session

import (
	"fmt"
	"time"

	"github.com/opticalmeter/iec62056_reader/pkg/obis"
	"github.com/opticalmeter/iec62056_reader/pkg/portlink"
)

// Mode selects how much of the pipeline runs: raw stops after checksum
// validation, parsed additionally decodes registers.
type Mode int

const (
	ModeRaw Mode = iota
	ModeParsed
)

// State names the handshake phases, used for logging and failure context.
type State string

const (
	StateIdle              State = "idle"
	StateRequesting        State = "requesting"
	StateAwaitingIdentity  State = "awaiting_identity"
	StateSwitchingBaud     State = "switching_baud"
	StateAwaitingDataBlock State = "awaiting_data_block"
	StateDone              State = "done"
)

// ErrorKind classifies a failed session so callers can pick a retry policy
// without string matching.
type ErrorKind string

const (
	KindPortUnavailable ErrorKind = "port_unavailable"
	KindNoResponse      ErrorKind = "no_response"
	KindTimeout         ErrorKind = "timeout"
	KindMalformedFrame  ErrorKind = "malformed_frame"
	KindChecksumError   ErrorKind = "checksum_error"
	KindIoError         ErrorKind = "io_error"
)

// Failure is the terminal error of one session. It is returned, never
// thrown past the facade, and never accompanies partial data: a corrupted
// read is not a result.
type Failure struct {
	Kind   ErrorKind
	State  State
	Detail string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("session failed in %s: %s (%s)", f.State, f.Kind, f.Detail)
}

// Result is the outcome of exactly one exchange. Exactly one of Raw,
// Registers or Failure is meaningful. Skipped carries the soft PartialParse
// count alongside a successful parsed result.
type Result struct {
	Identity  string
	Raw       []byte
	Registers []obis.Register
	Skipped   int
	Failure   *Failure
}

// OK reports whether the session produced data.
func (r Result) OK() bool { return r.Failure == nil }

// Params are the caller-owned connection parameters for one session. The
// core treats them as read-only.
type Params struct {
	Port      string
	DeviceID  string
	QueryCode string // defaults to the "?" wildcard

	InitialBaud uint // handshake rate, defaults to 300
	MaxBaud     uint // cap for the negotiated rate, defaults to 19200

	Settings portlink.Settings

	StepTimeout time.Duration // per read, defaults to 5s
	Deadline    time.Duration // whole exchange, defaults to 30s
	SettleDelay time.Duration // pause around the baud switch, defaults to 400ms

	OnlyListen   bool   // passive mode: no request, meter pushes a telegram
	UseChecksum  bool   // validate the block check / CRC
	ChecksumMode string // "xor" (default), "sum"
}

const (
	defaultQueryCode   = "?"
	defaultInitialBaud = 300
	defaultMaxBaud     = 19200
	defaultStepTimeout = 5 * time.Second
	defaultDeadline    = 30 * time.Second
	defaultSettleDelay = 400 * time.Millisecond
)

func (p Params) withDefaults() Params {
	if p.QueryCode == "" {
		p.QueryCode = defaultQueryCode
	}
	if p.InitialBaud == 0 {
		p.InitialBaud = defaultInitialBaud
	}
	if p.MaxBaud == 0 {
		p.MaxBaud = defaultMaxBaud
	}
	if p.Settings == (portlink.Settings{}) {
		p.Settings = portlink.DefaultSettings()
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = defaultStepTimeout
	}
	if p.Deadline <= 0 {
		p.Deadline = defaultDeadline
	}
	if p.SettleDelay <= 0 {
		p.SettleDelay = defaultSettleDelay
	}
	return p
}

// handshakeIdentity is the meter's self-report from the identify phase.
// It only lives until the baud switch.
type handshakeIdentity struct {
	Line         string
	Manufacturer string
	BaudChar     byte
}

// Baud rate characters from the identification message.
var baudByID = map[byte]uint{
	'0': 300,
	'1': 600,
	'2': 1200,
	'3': 2400,
	'4': 4800,
	'5': 9600,
	'6': 19200,
}

// idForBaud finds the indicator for the highest protocol rate not above
// max.
func idForBaud(max uint) (byte, uint) {
	best := byte('0')
	bestRate := uint(300)
	for id, rate := range baudByID {
		if rate <= max && rate > bestRate {
			best = id
			bestRate = rate
		}
	}
	return best, bestRate
}
