// Package portlink owns the physical serial session: exclusive open,
// byte-level reads with mandatory timeouts, and mid-session baud switching.
// It is the only package that touches real I/O.
package portlink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"
)

// Open claims path exclusively and dials it at the given rate. A second
// Open on the same path fails with ErrPortUnavailable while the first
// Handle is outstanding.
func Open(path string, baud uint, s Settings, dial Dialer) (*Handle, error) {
	if dial == nil {
		dial = SerialDialer
	}
	if err := claim(path); err != nil {
		return nil, err
	}
	port, err := dial(path, baud, s)
	if err != nil {
		release(path)
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, path, err)
	}
	log.Debugf("portlink: opened %s at %d baud", path, baud)
	return &Handle{path: path, baud: baud, settings: s, dial: dial, port: port}, nil
}

// Write sends the full buffer or fails. A partial write is an error; the
// handshake cannot tolerate a half-sent request.
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	n, err := h.port.Write(p)
	if err != nil {
		return fmt.Errorf("portlink: write %s: %w", h.path, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(p))
	}
	return nil
}

// ReadUntil reads byte-wise until delim is seen or the timeout window
// elapses. On timeout it returns whatever was collected together with
// ErrReadTimeout, so callers can distinguish a silent meter from one that
// stopped mid-line.
func (h *Handle) ReadUntil(delim byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer
	one := make([]byte, 1)

	for {
		port, err := h.currentPort()
		if err != nil {
			return buf.Bytes(), err
		}
		n, err := port.Read(one)
		if n > 0 {
			buf.WriteByte(one[0])
			if one[0] == delim {
				return buf.Bytes(), nil
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return buf.Bytes(), fmt.Errorf("portlink: read %s: %w", h.path, err)
		}
		if time.Now().After(deadline) {
			return buf.Bytes(), fmt.Errorf("%w: no 0x%02X within %s", ErrReadTimeout, delim, timeout)
		}
		time.Sleep(readPollInterval)
	}
}

// ReadBlock reads in chunks until done reports the accumulated buffer is a
// complete block, or the timeout window elapses. The completion predicate
// belongs to the caller because only the session knows which terminator the
// negotiated mode uses.
func (h *Handle) ReadBlock(done func([]byte) bool, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var buf bytes.Buffer
	chunk := make([]byte, 128)

	for {
		port, err := h.currentPort()
		if err != nil {
			return buf.Bytes(), err
		}
		n, err := port.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if done(buf.Bytes()) {
				return buf.Bytes(), nil
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return buf.Bytes(), fmt.Errorf("portlink: read %s: %w", h.path, err)
		}
		if time.Now().After(deadline) {
			return buf.Bytes(), fmt.Errorf("%w: incomplete block after %s (%d bytes)", ErrReadTimeout, timeout, buf.Len())
		}
		if n == 0 {
			time.Sleep(readPollInterval)
		}
	}
}

// SetBaud reopens the device at a new rate. The underlying serial library
// fixes the rate at open time, so a switch is close-and-redial while the
// exclusive claim on the path is kept.
func (h *Handle) SetBaud(baud uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if baud == h.baud {
		return nil
	}
	if err := h.port.Close(); err != nil {
		log.Warnf("portlink: close before baud switch on %s: %v", h.path, err)
	}
	port, err := h.dial(h.path, baud, h.settings)
	if err != nil {
		// The device is gone; the handle is unusable but still holds the
		// claim until Close.
		h.port = nil
		return fmt.Errorf("%w: reopen %s at %d baud: %v", ErrPortUnavailable, h.path, baud, err)
	}
	log.Debugf("portlink: %s switched to %d baud", h.path, baud)
	h.port = port
	h.baud = baud
	return nil
}

// Close releases the device and the exclusive claim. Idempotent; invoked on
// every session exit path.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.port != nil {
		if err := h.port.Close(); err != nil {
			log.Warnf("portlink: close %s: %v", h.path, err)
		}
		h.port = nil
	}
	release(h.path)
	log.Debugf("portlink: closed %s", h.path)
}

func (h *Handle) currentPort() (Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.port == nil {
		return nil, ErrPortUnavailable
	}
	return h.port, nil
}

// SerialDialer opens a real serial device. MinimumReadSize 0 with an
// inter-character timeout makes Read return periodically with zero bytes,
// which the bounded read loops above rely on.
func SerialDialer(path string, baud uint, s Settings) (Port, error) {
	parity := serial.PARITY_EVEN
	switch s.Parity {
	case "N", "n":
		parity = serial.PARITY_NONE
	case "O", "o":
		parity = serial.PARITY_ODD
	case "E", "e", "":
		parity = serial.PARITY_EVEN
	default:
		log.Warnf("portlink: invalid parity %q, defaulting to even", s.Parity)
	}
	dataBits := s.DataBits
	if dataBits < 5 || dataBits > 8 {
		log.Warnf("portlink: invalid bytesize %d, defaulting to 7", dataBits)
		dataBits = 7
	}
	stopBits := s.StopBits
	if stopBits != 1 && stopBits != 2 {
		log.Warnf("portlink: invalid stopbits %d, defaulting to 1", stopBits)
		stopBits = 1
	}

	return serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              dataBits,
		StopBits:              stopBits,
		ParityMode:            parity,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})
}
