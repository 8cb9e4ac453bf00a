package serialmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.bug.st/serial"
)

// SerialPorter defines the minimal interface needed for a byte source.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// A port with a read timeout returns 0, nil from Read when no byte arrived.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the byte source. The bridge calls Open again after every
// failure, so an Opener must be reusable.
type Opener interface {
	Open(ctx context.Context) (SerialPorter, error)
	// Address describes the source for logs.
	Address() string
}

// SerialOpener opens a real serial device with go.bug.st/serial.
type SerialOpener struct {
	Path        string
	Options     PortOptions
	ReadTimeout time.Duration

	// open is replaced in tests.
	open func(path string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialOpener returns an Opener for the device at path.
func NewSerialOpener(path string, opts PortOptions, readTimeout time.Duration) *SerialOpener {
	return &SerialOpener{Path: path, Options: opts, ReadTimeout: readTimeout, open: serial.Open}
}

func (o *SerialOpener) Address() string { return o.Path + " " + o.Options.String() }

func (o *SerialOpener) Open(ctx context.Context) (SerialPorter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode, err := o.Options.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := o.open(o.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Path, err)
	}
	if o.ReadTimeout > 0 {
		if err := port.SetReadTimeout(o.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout on %s: %w", o.Path, err)
		}
	}
	return port, nil
}

// DefaultTCPPort is where the serial forwarder of the alternate deployment
// listens.
const DefaultTCPPort = "65432"

// TCPOpener reads the node's byte stream from a TCP serial forwarder.
type TCPOpener struct {
	Addr        string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

func (o *TCPOpener) Address() string { return "tcp://" + o.Addr }

func (o *TCPOpener) Open(ctx context.Context) (SerialPorter, error) {
	addr := o.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultTCPPort)
	}
	d := net.Dialer{Timeout: o.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpPort{Conn: conn, readTimeout: o.ReadTimeout}, nil
}

// tcpPort makes a net.Conn behave like a serial port with a read timeout.
// A peer that closes the connection surfaces as io.EOF.
type tcpPort struct {
	net.Conn
	readTimeout time.Duration
}

func (p *tcpPort) SetReadTimeout(timeout time.Duration) error {
	p.readTimeout = timeout
	return nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.Conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}
