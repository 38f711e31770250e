// Package hosttransport supplies the byte-level transport the
// firmware's host framing layer reads and writes. spec.md §1 keeps the
// USB-serial transport itself out of the channel subsystem's scope;
// this package is the "interface the core uses" language from that
// section made concrete: an io.ReadWriteCloser, with a real
// serial-port-backed implementation and an in-memory one for tests and
// for running the firmware without hardware attached.
package hosttransport

import (
	"io"
	"net"
	"time"

	serial "github.com/daedaluz/goserial"
)

// Transport is everything the framing layer needs from the host link.
type Transport interface {
	io.ReadWriteCloser
}

// SerialTransport wraps a real USB-serial port opened via
// daedaluz/goserial, raw termios control and all.
type SerialTransport struct {
	port *serial.Port
}

// OpenSerial opens device at baud, puts it in raw mode (no line
// discipline munging the framed binary protocol) and returns a ready
// Transport.
func OpenSerial(device string, baud int) (*SerialTransport, error) {
	opts := serial.NewOptions()
	port, err := serial.Open(device, opts)
	if err != nil {
		return nil, err
	}
	if err := port.MakeRaw(); err != nil {
		port.Close()
		return nil, err
	}
	if attrs, err := port.GetAttr2(); err == nil {
		attrs.SetCustomSpeed(uint32(baud))
		port.SetAttr2(serial.TCSANOW, attrs)
	}
	return &SerialTransport{port: port}, nil
}

func (s *SerialTransport) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *SerialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *SerialTransport) Close() error                { return s.port.Close() }

// MemoryTransport is an in-process, lock-free-enough pipe transport:
// what the host writes, Read sees on the other end, and vice versa.
// It backs `cmd/j2534fw -virtual`, standing in for a real USB-serial
// cable when there's no hardware to talk to.
type MemoryTransport struct {
	toFirmware net.Conn
	toHost     net.Conn
}

// NewMemoryPipe returns the two ends of an in-memory duplex pipe: the
// firmware side (what the framing layer reads/writes) and the host
// side (what a test or a companion in-process host driver uses).
func NewMemoryPipe() (firmware Transport, host Transport) {
	a, b := net.Pipe()
	return &MemoryTransport{toFirmware: a}, &MemoryTransport{toFirmware: b}
}

func (m *MemoryTransport) Read(p []byte) (int, error)  { return m.toFirmware.Read(p) }
func (m *MemoryTransport) Write(p []byte) (int, error) { return m.toFirmware.Write(p) }
func (m *MemoryTransport) Close() error                { return m.toFirmware.Close() }

// SetDeadline is exposed for tests that want to bound a blocking Read
// without tearing the pipe down.
func (m *MemoryTransport) SetDeadline(t time.Time) error { return m.toFirmware.SetDeadline(t) }
