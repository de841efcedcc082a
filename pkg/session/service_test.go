package session

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticalmeter/iec62056_reader/pkg/framing"
	"github.com/opticalmeter/iec62056_reader/pkg/obis"
	"github.com/opticalmeter/iec62056_reader/pkg/portlink"
)

// meterScript scripts one fake serial device. Every Open/SetBaud redial
// pops the next port, so the identity phase and the post-switch data phase
// read from separate byte queues, like the real device after a rate change.
type meterScript struct {
	mu     sync.Mutex
	queues [][]byte
	bauds  []uint
	writes bytes.Buffer
	opens  int
	closes int
}

type scriptPort struct {
	script *meterScript
	data   []byte
}

func (p *scriptPort) Read(b []byte) (int, error) {
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	if len(p.data) == 0 {
		return 0, nil
	}
	n := copy(b, p.data)
	p.data = p.data[n:]
	return n, nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	return p.script.writes.Write(b)
}

func (p *scriptPort) Close() error {
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	p.script.closes++
	return nil
}

func (s *meterScript) dial(path string, baud uint, _ portlink.Settings) (portlink.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.bauds = append(s.bauds, baud)
	port := &scriptPort{script: s}
	if len(s.queues) > 0 {
		port.data = s.queues[0]
		s.queues = s.queues[1:]
	}
	return port, nil
}

func testReader(s *meterScript, slept *[]time.Duration) *Reader {
	return &Reader{
		Dial: s.dial,
		Sleep: func(d time.Duration) {
			if slept != nil {
				*slept = append(*slept, d)
			}
		},
		Now: time.Now,
	}
}

func fastParams(port string) Params {
	return Params{
		Port:        port,
		QueryCode:   "?",
		DeviceID:    "01",
		InitialBaud: 300,
		MaxBaud:     19200,
		StepTimeout: 150 * time.Millisecond,
		Deadline:    2 * time.Second,
		SettleDelay: time.Millisecond,
		UseChecksum: true,
	}
}

// dataBlock frames payload as STX..ETX with a valid XOR BCC.
func dataBlock(payload string) []byte {
	var bcc byte
	for _, b := range []byte(payload) {
		bcc ^= b
	}
	bcc ^= framing.ETX
	buf := append([]byte{framing.STX}, payload...)
	return append(buf, framing.ETX, bcc)
}

const fixturePayload = "1.8.0(001234.5*kWh)\r\n2.8.0(000012.3*kWh)\r\n!\r\n"

func fixtureScript() *meterScript {
	return &meterScript{queues: [][]byte{
		[]byte("/LGZ5Meter01\r\n"),
		dataBlock(fixturePayload),
	}}
}

func TestReadParsedFullExchange(t *testing.T) {
	script := fixtureScript()
	var slept []time.Duration
	r := testReader(script, &slept)

	result := r.Read(fastParams("/dev/sess-full"), ModeParsed)
	require.True(t, result.OK(), "failure: %v", result.Failure)

	assert.Equal(t, "/LGZ5Meter01", result.Identity)
	require.Len(t, result.Registers, 2)
	assert.Equal(t, "1.8.0", result.Registers[0].Identifier)
	assert.Equal(t, 1234.5, result.Registers[0].Value.(obis.Number).Value)
	assert.Equal(t, "2.8.0", result.Registers[1].Identifier)
	assert.Equal(t, 12.3, result.Registers[1].Value.(obis.Number).Value)
	assert.Zero(t, result.Skipped)

	// Wire sequence: request at 300 baud, settle, ACK selecting 9600,
	// settle, reopen at 9600.
	assert.Equal(t, append([]byte("/?01!\r\n"), 0x06, '0', '5', '0', '\r', '\n'), script.writes.Bytes())
	assert.Equal(t, []uint{300, 9600}, script.bauds)
	assert.Len(t, slept, 2)

	// Every open is balanced by a close.
	assert.Equal(t, script.opens, script.closes)
}

func TestReadIsIdempotentAcrossRuns(t *testing.T) {
	run := func() (Result, []byte) {
		script := fixtureScript()
		r := testReader(script, nil)
		res := r.Read(fastParams("/dev/sess-idem"), ModeParsed)
		return res, script.writes.Bytes()
	}

	first, firstWrites := run()
	second, secondWrites := run()
	require.True(t, first.OK())
	assert.Equal(t, first, second)
	assert.Equal(t, firstWrites, secondWrites)
}

func TestReadRawSkipsRegisterParsing(t *testing.T) {
	script := fixtureScript()
	r := testReader(script, nil)

	result := r.Read(fastParams("/dev/sess-raw"), ModeRaw)
	require.True(t, result.OK(), "failure: %v", result.Failure)
	assert.Equal(t, []byte(fixturePayload), result.Raw)
	assert.Nil(t, result.Registers)
}

func TestReadChecksumFlipIsFailureNeverData(t *testing.T) {
	corrupted := dataBlock(fixturePayload)
	corrupted[len(corrupted)-1] ^= 0xFF
	script := &meterScript{queues: [][]byte{
		[]byte("/LGZ5Meter01\r\n"),
		corrupted,
	}}
	r := testReader(script, nil)

	result := r.Read(fastParams("/dev/sess-crc"), ModeRaw)
	require.False(t, result.OK())
	assert.Equal(t, KindChecksumError, result.Failure.Kind)
	assert.Nil(t, result.Raw)
	assert.Equal(t, script.opens, script.closes)
}

func TestReadSilentMeterIsNoResponse(t *testing.T) {
	script := &meterScript{}
	r := testReader(script, nil)

	start := time.Now()
	result := r.Read(fastParams("/dev/sess-silent"), ModeParsed)
	require.False(t, result.OK())
	assert.Equal(t, KindNoResponse, result.Failure.Kind)
	assert.Equal(t, StateAwaitingIdentity, result.Failure.State)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, script.opens, script.closes)
}

func TestReadMeterStoppingMidBlockIsTimeout(t *testing.T) {
	script := &meterScript{queues: [][]byte{
		[]byte("/LGZ5Meter01\r\n"),
		{framing.STX, '1', '.', '8'}, // block never completes
	}}
	r := testReader(script, nil)

	result := r.Read(fastParams("/dev/sess-midblock"), ModeParsed)
	require.False(t, result.OK())
	assert.Equal(t, KindTimeout, result.Failure.Kind)
	assert.Equal(t, StateAwaitingDataBlock, result.Failure.State)
	assert.Equal(t, script.opens, script.closes)
}

func TestReadUnreachablePort(t *testing.T) {
	r := &Reader{
		Dial: func(path string, baud uint, _ portlink.Settings) (portlink.Port, error) {
			return nil, fmt.Errorf("open %s: no such file or directory", path)
		},
		Sleep: func(time.Duration) {},
		Now:   time.Now,
	}

	result := r.Read(fastParams("/dev/sess-unreachable"), ModeParsed)
	require.False(t, result.OK())
	assert.Equal(t, KindPortUnavailable, result.Failure.Kind)

	// The claim must not leak: a later session can open the path.
	script := fixtureScript()
	r2 := testReader(script, nil)
	assert.True(t, r2.Read(fastParams("/dev/sess-unreachable"), ModeParsed).OK())
}

func TestReadSamePortIsMutuallyExclusive(t *testing.T) {
	held, err := portlink.Open("/dev/sess-mutex", 300, portlink.DefaultSettings(), (&meterScript{}).dial)
	require.NoError(t, err)
	defer held.Close()

	script := fixtureScript()
	r := testReader(script, nil)
	result := r.Read(fastParams("/dev/sess-mutex"), ModeParsed)

	require.False(t, result.OK())
	assert.Equal(t, KindPortUnavailable, result.Failure.Kind)
}

func TestReadEchoSuppressed(t *testing.T) {
	// Optical heads reflect the request; the real identification follows.
	script := &meterScript{queues: [][]byte{
		[]byte("/?01!\r\n/LGZ5Meter01\r\n"),
		dataBlock(fixturePayload),
	}}
	r := testReader(script, nil)

	result := r.Read(fastParams("/dev/sess-echo"), ModeParsed)
	require.True(t, result.OK(), "failure: %v", result.Failure)
	assert.Equal(t, "/LGZ5Meter01", result.Identity)
}

func TestReadMaxBaudCapsNegotiation(t *testing.T) {
	script := fixtureScript()
	r := testReader(script, nil)

	p := fastParams("/dev/sess-maxbaud")
	p.MaxBaud = 1200 // meter proposes 9600 ('5')

	result := r.Read(p, ModeParsed)
	require.True(t, result.OK(), "failure: %v", result.Failure)
	assert.Equal(t, []uint{300, 1200}, script.bauds)
	// The ACK advertises the capped rate, not the proposed one.
	assert.True(t, bytes.HasSuffix(script.writes.Bytes(), []byte{0x06, '0', '2', '0', '\r', '\n'}))
}

func TestReadUnknownBaudIDFallsBackToLowestRate(t *testing.T) {
	// No reopen happens at 300 baud, so the data block arrives on the
	// same port as the identification.
	script := &meterScript{queues: [][]byte{
		append([]byte("/LGZXMeter01\r\n"), dataBlock(fixturePayload)...), // 'X' is not a rate indicator
	}}
	r := testReader(script, nil)

	result := r.Read(fastParams("/dev/sess-unkbaud"), ModeParsed)
	require.True(t, result.OK(), "failure: %v", result.Failure)
	// Conservative fallback: stay at 300, no reopen.
	assert.Equal(t, []uint{300}, script.bauds)
}

func TestReadPartialParseIsSoftFailure(t *testing.T) {
	payload := "1.8.0(001234.5*kWh)\r\nbroken#line\r\n2.8.0(000012.3*kWh)\r\n!\r\n"
	script := &meterScript{queues: [][]byte{
		[]byte("/LGZ5Meter01\r\n"),
		dataBlock(payload),
	}}
	r := testReader(script, nil)

	result := r.Read(fastParams("/dev/sess-partial"), ModeParsed)
	require.True(t, result.OK(), "failure: %v", result.Failure)
	assert.Len(t, result.Registers, 2)
	assert.Equal(t, 1, result.Skipped)
}

func TestReadListenOnlyTelegram(t *testing.T) {
	body := "/LGZ5Meter\r\n1-0:1.8.1(001234.567*kWh)\r\n1-0:2.8.1(000098.765*kWh)\r\n!"
	crc := fmt.Sprintf("%04X", crc16.Checksum([]byte(body), crc16.MakeTable(crc16.CRC16_ARC)))
	script := &meterScript{queues: [][]byte{
		[]byte(body + crc + "\r\n"),
	}}
	r := testReader(script, nil)

	p := fastParams("/dev/sess-listen")
	p.OnlyListen = true
	p.InitialBaud = 115200

	result := r.Read(p, ModeParsed)
	require.True(t, result.OK(), "failure: %v", result.Failure)
	assert.Equal(t, "/LGZ5Meter", result.Identity)
	require.Len(t, result.Registers, 2)
	assert.Equal(t, "1.8.1", result.Registers[0].Identifier)

	// No handshake traffic in listen-only mode.
	assert.Zero(t, script.writes.Len())
	assert.Equal(t, []uint{115200}, script.bauds)
}

func TestReadListenOnlyBadCRC(t *testing.T) {
	body := "/LGZ5Meter\r\n1-0:1.8.1(001234.567*kWh)\r\n!"
	script := &meterScript{queues: [][]byte{
		[]byte(body + "BEEF\r\n"),
	}}
	r := testReader(script, nil)

	p := fastParams("/dev/sess-listen-crc")
	p.OnlyListen = true

	result := r.Read(p, ModeParsed)
	require.False(t, result.OK())
	assert.Equal(t, KindChecksumError, result.Failure.Kind)
}
