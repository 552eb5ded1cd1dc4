package devport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrPortClosed is returned by TestablePort after Close.
var ErrPortClosed = errors.New("port closed")

// TestablePort implements Port with configurable behaviour for testing. Reads
// drain ReadBuffer; when BlockReads is set an empty buffer blocks until data
// is added or the port is closed.
type TestablePort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error
	// WriteError is returned by the next Write call if set
	WriteError error

	Closed     bool
	BlockReads bool

	// OnWrite, when set, is called with each written chunk while the port
	// lock is not held. Scripted device fakes use it to queue replies.
	OnWrite func(p []byte)

	readCond *sync.Cond
}

// NewTestablePort creates a new TestablePort for testing.
func NewTestablePort() *TestablePort {
	tp := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tp.readCond = sync.NewCond(&tp.mu)
	return tp
}

// Read reads from the read buffer.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write appends to the write buffer and invokes OnWrite.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	n, _ := t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// Written returns a copy of everything written to the port.
func (t *TestablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// NewPipe returns the two ends of an in-memory duplex link. The first end is
// handed to a driver, the second to a simulated device. Both support read
// deadlines.
func NewPipe() (Port, net.Conn) {
	a, b := net.Pipe()
	return a, b
}

// MapOpener returns an Opener serving pre-built ports by address. Unknown
// addresses fail like an absent device. Each port is handed out once.
func MapOpener(ports map[string]Port) Opener {
	var mu sync.Mutex
	return func(ctx context.Context, addr string, _ Options) (Port, error) {
		mu.Lock()
		defer mu.Unlock()
		p, ok := ports[addr]
		if !ok {
			return nil, fmt.Errorf("no device at %s", addr)
		}
		delete(ports, addr)
		return p, nil
	}
}
