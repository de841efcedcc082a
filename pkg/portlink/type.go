package portlink

import (
	"errors"
	"io"
	"sync"
	"time"
)

var (
	ErrPortUnavailable = errors.New("portlink: port unavailable")
	ErrReadTimeout     = errors.New("portlink: read timed out")
	ErrShortWrite      = errors.New("portlink: short write")
	ErrClosed          = errors.New("portlink: handle closed")
)

// Port is the raw byte stream under a Handle. The real implementation is a
// serial device; tests substitute scripted fakes through a Dialer.
type Port interface {
	io.ReadWriteCloser
}

// Settings carries the line parameters beyond the baud rate. The optical
// readout protocol runs 7E1 by default.
type Settings struct {
	DataBits uint
	Parity   string // "N", "E" or "O"
	StopBits uint
}

// DefaultSettings is 7E1, the IEC 62056-21 line format.
func DefaultSettings() Settings {
	return Settings{DataBits: 7, Parity: "E", StopBits: 1}
}

// Dialer opens a raw Port at the given rate.
type Dialer func(path string, baud uint, s Settings) (Port, error)

// Handle is an exclusively-held open serial session. At most one Handle may
// exist per port path; a second Open fails with ErrPortUnavailable until
// the first is closed. Baud switching reopens the underlying device, since
// the rate is fixed at open time.
type Handle struct {
	path     string
	baud     uint
	settings Settings
	dial     Dialer

	mu     sync.Mutex
	port   Port
	closed bool
}

// Path returns the port path this handle holds.
func (h *Handle) Path() string { return h.path }

// Baud returns the currently configured rate.
func (h *Handle) Baud() uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baud
}

// readPollInterval bounds the spin between polls on ports whose Read can
// return zero bytes (inter-character timeout expiry).
const readPollInterval = 20 * time.Millisecond
