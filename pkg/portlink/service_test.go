package portlink

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort replays scripted bytes and records writes and closes.
type fakePort struct {
	mu     sync.Mutex
	data   []byte
	writes bytes.Buffer
	closes int
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.data) == 0 {
		return 0, nil // silent line
	}
	n := copy(b, p.data)
	p.data = p.data[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	ports []*fakePort
	bauds []uint
	err   error
}

func (d *fakeDialer) dial(path string, baud uint, s Settings) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.bauds = append(d.bauds, baud)
	port := &fakePort{}
	d.ports = append(d.ports, port)
	return port, nil
}

func TestOpenIsExclusivePerPath(t *testing.T) {
	d := &fakeDialer{}

	first, err := Open("/dev/fake-excl", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)

	_, err = Open("/dev/fake-excl", 300, DefaultSettings(), d.dial)
	assert.ErrorIs(t, err, ErrPortUnavailable)

	// A different path is unaffected.
	other, err := Open("/dev/fake-excl-2", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	other.Close()

	first.Close()

	// Released after close.
	again, err := Open("/dev/fake-excl", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	again.Close()
}

func TestOpenDialFailureReleasesClaim(t *testing.T) {
	d := &fakeDialer{err: errors.New("no such device")}

	_, err := Open("/dev/fake-dialfail", 300, DefaultSettings(), d.dial)
	assert.ErrorIs(t, err, ErrPortUnavailable)

	d.err = nil
	h, err := Open("/dev/fake-dialfail", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	h.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-close", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)

	h.Close()
	h.Close()
	assert.Equal(t, 1, d.ports[0].closes)

	assert.ErrorIs(t, h.Write([]byte("x")), ErrClosed)
	_, err = h.ReadUntil('\n', 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadUntilDelimiter(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-readuntil", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	defer h.Close()

	d.ports[0].mu.Lock()
	d.ports[0].data = []byte("/LGZ5Meter\r\nTRAILING")
	d.ports[0].mu.Unlock()

	line, err := h.ReadUntil('\n', time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("/LGZ5Meter\r\n"), line)

	// The bytes after the delimiter stay buffered on the port.
	rest, err := h.ReadUntil('G', time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("TRAILING"), rest)
}

func TestReadUntilTimesOutOnSilence(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-silent", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	defer h.Close()

	start := time.Now()
	buf, err := h.ReadUntil('\n', 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Empty(t, buf)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReadUntilTimeoutReturnsPartial(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-partial", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	defer h.Close()

	d.ports[0].mu.Lock()
	d.ports[0].data = []byte("/LGZ") // meter stops mid-line
	d.ports[0].mu.Unlock()

	buf, err := h.ReadUntil('\n', 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, []byte("/LGZ"), buf)
}

func TestReadBlockPredicate(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-block", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	defer h.Close()

	d.ports[0].mu.Lock()
	d.ports[0].data = []byte("payload!\r\n")
	d.ports[0].mu.Unlock()

	buf, err := h.ReadBlock(func(b []byte) bool {
		return bytes.Contains(b, []byte("!\r\n"))
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload!\r\n"), buf)
}

func TestSetBaudRedialsKeepingClaim(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-baud", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)

	require.NoError(t, h.SetBaud(9600))
	assert.Equal(t, []uint{300, 9600}, d.bauds)
	assert.Equal(t, 1, d.ports[0].closes)
	assert.Equal(t, uint(9600), h.Baud())

	// Claim survives the switch.
	_, err = Open("/dev/fake-baud", 300, DefaultSettings(), d.dial)
	assert.ErrorIs(t, err, ErrPortUnavailable)

	// Switching to the current rate is a no-op.
	require.NoError(t, h.SetBaud(9600))
	assert.Len(t, d.bauds, 2)

	h.Close()
	assert.Equal(t, 1, d.ports[1].closes)
}

func TestSetBaudDialFailure(t *testing.T) {
	d := &fakeDialer{}
	h, err := Open("/dev/fake-baudfail", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)

	d.mu.Lock()
	d.err = errors.New("device vanished")
	d.mu.Unlock()

	assert.ErrorIs(t, h.SetBaud(9600), ErrPortUnavailable)

	// Handle is unusable but Close still releases the claim.
	h.Close()
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	again, err := Open("/dev/fake-baudfail", 300, DefaultSettings(), d.dial)
	require.NoError(t, err)
	again.Close()
}
