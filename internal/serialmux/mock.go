package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutSerialPorter with configurable
// behaviour for testing. An empty port answers Read with 0, nil like a serial
// device whose read timeout expired, unless BlockReads or EOFWhenDrained is set.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	// EOFWhenDrained makes Read return io.EOF once ReadBuffer is empty, like a
	// device that was unplugged
	EOFWhenDrained bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, ErrPortClosed
		}
	}

	if t.ReadBuffer.Len() == 0 {
		if t.EOFWhenDrained {
			return 0, io.EOF
		}
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, ErrPortClosed
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal() // Wake up a blocked reader
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// MockOpener implements Opener for testing. Each Open consumes the next
// queued result; once the queue is empty Open fails with Error, or with
// io.ErrUnexpectedEOF if Error is nil.
type MockOpener struct {
	mu sync.Mutex

	results []mockResult

	// Error is returned once the queued results run out
	Error error

	// OpenCalls records the number of Open calls
	OpenCalls int

	opened chan struct{}
}

type mockResult struct {
	port SerialPorter
	err  error
}

// NewMockOpener creates a MockOpener that hands out ports in order.
func NewMockOpener(ports ...SerialPorter) *MockOpener {
	o := &MockOpener{opened: make(chan struct{}, 64)}
	for _, p := range ports {
		o.results = append(o.results, mockResult{port: p})
	}
	return o
}

// FailNext queues an Open failure ahead of the remaining ports.
func (o *MockOpener) FailNext(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append([]mockResult{{err: err}}, o.results...)
}

func (o *MockOpener) Address() string { return "mock" }

// Open returns the next queued port or error.
func (o *MockOpener) Open(ctx context.Context) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.OpenCalls++
	select {
	case o.opened <- struct{}{}:
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(o.results) == 0 {
		if o.Error != nil {
			return nil, o.Error
		}
		return nil, io.ErrUnexpectedEOF
	}
	r := o.results[0]
	o.results = o.results[1:]
	return r.port, r.err
}

// Opened receives a value after every Open call.
func (o *MockOpener) Opened() <-chan struct{} { return o.opened }

// Calls returns the number of Open calls so far.
func (o *MockOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.OpenCalls
}
