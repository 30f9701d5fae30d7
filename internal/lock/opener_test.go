package lock

import (
	"errors"
	"testing"
	"time"

	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

type stubPort struct{ closed int }

func (p *stubPort) Read([]byte) (int, error)           { return 0, nil }
func (p *stubPort) Write(b []byte) (int, error)        { return len(b), nil }
func (p *stubPort) SetReadTimeout(time.Duration) error { return nil }
func (p *stubPort) Close() error                       { p.closed++; return nil }

func TestOpenerHoldsLockUntilClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	open := Opener(dir, func(string, int) (serialport.Port, error) { return &stubPort{}, nil })

	p, err := open("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := open("/dev/ttyUSB0", 115200); !errors.Is(err, ErrLocked) {
		t.Fatalf("second open error = %v, want ErrLocked", err)
	}
	if _, err := open("/dev/ttyUSB1", 115200); err != nil {
		t.Fatalf("other port should open: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	again, err := open("/dev/ttyUSB0", 115200)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	_ = again.Close()
}

func TestOpenerReleasesLockOnOpenFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fail := true
	open := Opener(dir, func(string, int) (serialport.Port, error) {
		if fail {
			return nil, errors.New("no such device")
		}
		return &stubPort{}, nil
	})

	if _, err := open("/dev/ttyACM0", 9600); err == nil {
		t.Fatal("expected open failure")
	}
	fail = false
	p, err := open("/dev/ttyACM0", 9600)
	if err != nil {
		t.Fatalf("open after failure: %v", err)
	}
	_ = p.Close()
}
