package serialport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrTransport wraps every hard I/O failure on the link.
	ErrTransport = errors.New("transport error")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// DefaultReadTimeout bounds each poll of the port so the reader can observe
// its stop signal.
const DefaultReadTimeout = 100 * time.Millisecond

// Transport wraps an open port. Reads are expected from a single goroutine;
// writes from any number of goroutines are serialized.
type Transport struct {
	name string
	port Port

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// NewTransport takes ownership of port and configures its read timeout.
func NewTransport(name string, port Port, readTimeout time.Duration) (*Transport, error) {
	if port == nil {
		return nil, fmt.Errorf("port is nil")
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &Transport{name: name, port: port}, nil
}

// Name is the device path the transport was opened on.
func (t *Transport) Name() string { return t.name }

// Read returns whatever bytes are available, or (0, nil) after the read
// timeout elapses with nothing received.
func (t *Transport) Read(buf []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	n, err := t.port.Read(buf)
	if n > 0 {
		t.bytesIn.Add(int64(n))
	}
	if err != nil {
		if t.closed.Load() {
			return n, ErrClosed
		}
		return n, fmt.Errorf("%w: read %s: %v", ErrTransport, t.name, err)
	}
	return n, nil
}

// Write sends b in full. Only one write is in flight at a time, so two lines
// are never interleaved on the wire.
func (t *Transport) Write(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.closed.Load() {
		return ErrClosed
	}
	for len(b) > 0 {
		n, err := t.port.Write(b)
		if n > 0 {
			t.bytesOut.Add(int64(n))
		}
		if err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrTransport, t.name, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: write %s: short write", ErrTransport, t.name)
		}
		b = b[n:]
	}
	return nil
}

// Close releases the port. Safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}

// Counters returns the total bytes read and written.
func (t *Transport) Counters() (in, out int64) {
	return t.bytesIn.Load(), t.bytesOut.Load()
}
