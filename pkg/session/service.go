// Package session drives the link-level handshake against an optical-port
// meter: sign-on request, identification, baud negotiation, data block
// readout. One Read call is one complete, independent exchange; nothing is
// retained between calls and the port is released on every exit path.
package session

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opticalmeter/iec62056_reader/pkg/framing"
	"github.com/opticalmeter/iec62056_reader/pkg/obis"
	"github.com/opticalmeter/iec62056_reader/pkg/portlink"
)

// Reader runs meter exchanges. The dialer, sleeper and clock are injectable
// so tests can simulate the timing-sensitive handshake without a device or
// real delays.
type Reader struct {
	Dial  portlink.Dialer
	Sleep func(time.Duration)
	Now   func() time.Time
}

// NewReader returns a Reader wired to the real serial port and wall clock.
func NewReader() *Reader {
	return &Reader{
		Dial:  portlink.SerialDialer,
		Sleep: time.Sleep,
		Now:   time.Now,
	}
}

// Read runs one complete exchange and returns its result. It performs zero
// silent retries; a degrading link stays observable and retry policy
// belongs to the caller.
func (r *Reader) Read(p Params, mode Mode) Result {
	p = p.withDefaults()
	state := StateIdle

	h, err := portlink.Open(p.Port, p.InitialBaud, p.Settings, r.Dial)
	if err != nil {
		return fail(state, KindPortUnavailable, err.Error(), nil)
	}
	defer h.Close()

	deadline := r.Now().Add(p.Deadline)

	if p.OnlyListen {
		return r.readTelegram(h, p, mode, deadline)
	}
	return r.readExchange(h, p, mode, deadline)
}

// readExchange is the active request/identify/baud-switch/readout sequence.
func (r *Reader) readExchange(h *portlink.Handle, p Params, mode Mode, deadline time.Time) Result {
	state := StateRequesting
	log.Debugf("session: %s -> %s", p.Port, state)

	request := framing.EncodeRequest(p.QueryCode, p.DeviceID)
	if err := h.Write(request); err != nil {
		return fail(state, KindIoError, err.Error(), nil)
	}

	state = StateAwaitingIdentity
	ident, res := r.awaitIdentity(h, p, request, state, deadline)
	if res != nil {
		return *res
	}

	state = StateSwitchingBaud
	if ident.BaudChar != 0 {
		if res := r.switchBaud(h, p, ident, state, deadline); res != nil {
			res.Identity = ident.Line
			return *res
		}
	} else {
		log.Debugf("session: %s identification too short for baud negotiation, staying at %d", p.Port, p.InitialBaud)
	}

	state = StateAwaitingDataBlock
	window, ok := stepWindow(r.Now(), deadline, p.StepTimeout)
	if !ok {
		return failWithIdentity(ident, state, KindTimeout, "overall deadline exceeded before data block", nil)
	}
	buf, err := h.ReadBlock(blockComplete, window)
	if err != nil {
		return failWithIdentity(ident, state, KindTimeout, err.Error(), buf)
	}

	block, res := validateBlock(buf, p, state)
	if res != nil {
		res.Identity = ident.Line
		return *res
	}

	log.Debugf("session: %s -> %s (%d payload bytes)", p.Port, StateDone, len(block.Data))
	return finish(ident.Line, block, mode)
}

// awaitIdentity reads the identification line, suppressing the echo some
// optical heads produce, and extracts the proposed baud indicator.
func (r *Reader) awaitIdentity(h *portlink.Handle, p Params, request []byte, state State, deadline time.Time) (handshakeIdentity, *Result) {
	var ident handshakeIdentity

	for attempt := 0; attempt < 2; attempt++ {
		window, ok := stepWindow(r.Now(), deadline, p.StepTimeout)
		if !ok {
			res := fail(state, KindTimeout, "overall deadline exceeded awaiting identification", nil)
			return ident, &res
		}
		line, err := h.ReadUntil('\n', window)
		if err != nil {
			kind := KindTimeout
			if len(line) == 0 {
				kind = KindNoResponse
			}
			res := fail(state, kind, err.Error(), line)
			return ident, &res
		}
		if bytes.Equal(bytes.TrimSpace(line), bytes.TrimSpace(request)) {
			// Our own request reflected back off the optical head.
			log.Debugf("session: %s request echoed, re-reading identification", p.Port)
			continue
		}

		ident.Line = string(bytes.TrimRight(line, "\r\n"))
		if len(line) >= 5 && line[0] == '/' {
			ident.Manufacturer = string(line[1:4])
			ident.BaudChar = line[4]
			log.Debugf("session: %s identified manufacturer=%s baud_id=%c", p.Port, ident.Manufacturer, ident.BaudChar)
		}
		return ident, nil
	}

	res := fail(state, KindNoResponse, "only request echo received", nil)
	return ident, &res
}

// switchBaud acknowledges the identification and renegotiates the line
// rate. The settle delays are a hard protocol requirement: acknowledging or
// switching too early makes the meter miss the rate change and the link
// desynchronizes.
func (r *Reader) switchBaud(h *portlink.Handle, p Params, ident handshakeIdentity, state State, deadline time.Time) *Result {
	proposed, known := baudByID[ident.BaudChar]
	ackChar := ident.BaudChar
	if !known {
		// Unrecognized indicator: fall back to the lowest rate rather
		// than failing, a conservative rate is always readable.
		proposed, ackChar = 300, '0'
		log.Debugf("session: %s unrecognized baud indicator %q, falling back to 300", p.Port, ident.BaudChar)
	}
	target := proposed
	if proposed > p.MaxBaud {
		ackChar, target = idForBaud(p.MaxBaud)
		log.Debugf("session: %s proposed %d exceeds max %d, negotiating %d", p.Port, proposed, p.MaxBaud, target)
	}

	log.Debugf("session: %s -> %s (target %d baud)", p.Port, state, target)

	if _, ok := stepWindow(r.Now(), deadline, p.StepTimeout); !ok {
		res := fail(state, KindTimeout, "overall deadline exceeded before baud switch", nil)
		return &res
	}

	r.Sleep(p.SettleDelay)
	if err := h.Write(framing.EncodeAck(ackChar, '0')); err != nil {
		res := fail(state, KindIoError, err.Error(), nil)
		return &res
	}
	r.Sleep(p.SettleDelay)

	if target != h.Baud() {
		if err := h.SetBaud(target); err != nil {
			res := fail(state, KindPortUnavailable, err.Error(), nil)
			return &res
		}
	}
	return nil
}

// readTelegram is the passive listen-only path: the meter pushes a
// CRC16-protected telegram unprompted, with no handshake.
func (r *Reader) readTelegram(h *portlink.Handle, p Params, mode Mode, deadline time.Time) Result {
	state := StateAwaitingDataBlock
	log.Debugf("session: %s listen-only -> %s", p.Port, state)

	window, ok := stepWindow(r.Now(), deadline, p.StepTimeout)
	if !ok {
		return fail(state, KindTimeout, "overall deadline exceeded", nil)
	}
	buf, err := h.ReadBlock(telegramComplete, window)
	if err != nil {
		kind := KindTimeout
		if len(buf) == 0 {
			kind = KindNoResponse
		}
		return fail(state, kind, err.Error(), buf)
	}

	frame, err := framing.ExtractTelegram(buf)
	if err != nil {
		return fail(state, KindMalformedFrame, err.Error(), buf)
	}
	var cs framing.Checksum
	if p.UseChecksum {
		cs = framing.TelegramCRC{}
	}
	block, err := framing.Validate(frame, cs)
	if err != nil {
		return fail(state, KindChecksumError, err.Error(), buf)
	}

	return finish(firstLine(frame.Payload), block, mode)
}

// validateBlock extracts and checksums the received data block. With
// checksum validation disabled, undelimited blocks (plain readout ending
// "!\r\n") are accepted as-is.
func validateBlock(buf []byte, p Params, state State) (framing.ValidatedBlock, *Result) {
	frame, err := framing.ExtractBlock(buf)
	if err != nil {
		if !p.UseChecksum {
			trimmed := bytes.Trim(buf, "\r\n")
			if len(trimmed) == 0 {
				res := fail(state, KindMalformedFrame, "empty data block", buf)
				return framing.ValidatedBlock{}, &res
			}
			return framing.ValidatedBlock{Data: trimmed}, nil
		}
		res := fail(state, KindMalformedFrame, err.Error(), buf)
		return framing.ValidatedBlock{}, &res
	}

	var cs framing.Checksum
	if p.UseChecksum {
		cs = framing.StrategyFor(p.ChecksumMode)
	}
	block, err := framing.Validate(frame, cs)
	if err != nil {
		// Never a silent partial result: a corrupted read is a failure.
		res := fail(state, KindChecksumError, err.Error(), buf)
		return framing.ValidatedBlock{}, &res
	}
	return block, nil
}

func finish(identity string, block framing.ValidatedBlock, mode Mode) Result {
	result := Result{Identity: identity}
	if mode == ModeRaw {
		result.Raw = append([]byte(nil), block.Data...)
		return result
	}
	parsed := obis.Parse(block)
	result.Registers = parsed.Registers
	result.Skipped = parsed.Skipped
	if parsed.Skipped > 0 {
		log.Warnf("session: partial parse, %d line(s) skipped", parsed.Skipped)
	}
	return result
}

// blockComplete reports whether buf holds a complete data block: an STX
// block needs its ETX plus the BCC byte behind it, an undelimited readout
// ends at the "!" line.
func blockComplete(buf []byte) bool {
	if bytes.IndexByte(buf, framing.STX) >= 0 {
		i := bytes.IndexByte(buf, framing.ETX)
		return i >= 0 && i+1 < len(buf)
	}
	return bytes.Contains(buf, []byte("!\r\n"))
}

// telegramComplete waits for the "!" terminator line including its CRC.
func telegramComplete(buf []byte) bool {
	i := bytes.IndexByte(buf, '!')
	if i < 0 {
		return false
	}
	return bytes.Contains(buf[i:], []byte("\r\n"))
}

func stepWindow(now, deadline time.Time, step time.Duration) (time.Duration, bool) {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0, false
	}
	if remaining < step {
		return remaining, true
	}
	return step, true
}

func fail(state State, kind ErrorKind, detail string, raw []byte) Result {
	// Raw bytes are diagnostic detail only; attach them when the host has
	// asked for verbose output.
	if len(raw) > 0 && log.IsLevelEnabled(log.DebugLevel) {
		detail = fmt.Sprintf("%s; raw=%s", detail, hex.EncodeToString(raw))
	}
	f := &Failure{Kind: kind, State: state, Detail: detail}
	log.Warnf("session: %v", f)
	return Result{Failure: f}
}

func failWithIdentity(ident handshakeIdentity, state State, kind ErrorKind, detail string, raw []byte) Result {
	res := fail(state, kind, detail, raw)
	res.Identity = ident.Line
	return res
}

func firstLine(payload []byte) string {
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		return string(bytes.TrimRight(payload[:i], "\r\n"))
	}
	return string(bytes.TrimRight(payload, "\r\n"))
}
