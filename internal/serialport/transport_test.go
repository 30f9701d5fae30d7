package serialport_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/espk-bridge/internal/serialport"
	"github.com/mattjoyce/espk-bridge/internal/serialport/mocks"
)

func newTransport(t *testing.T, port *mocks.MockPort) *serialport.Transport {
	t.Helper()
	port.EXPECT().SetReadTimeout(serialport.DefaultReadTimeout).Return(nil)
	tr, err := serialport.NewTransport("/dev/ttyTEST", port, 0)
	require.NoError(t, err)
	return tr
}

func TestNewTransportSetReadTimeoutFailureClosesPort(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)

	port.EXPECT().SetReadTimeout(50 * time.Millisecond).Return(errors.New("ioctl failed"))
	port.EXPECT().Close().Return(nil)

	_, err := serialport.NewTransport("/dev/ttyTEST", port, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestTransportWriteLoopsOnShortWrites(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	payload := []byte("abcdef\n")
	gomock.InOrder(
		port.EXPECT().Write(payload).Return(3, nil),
		port.EXPECT().Write(payload[3:]).Return(4, nil),
	)

	require.NoError(t, tr.Write(payload))
	_, out := tr.Counters()
	assert.Equal(t, int64(7), out)
}

func TestTransportWriteErrorIsTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	port.EXPECT().Write(gomock.Any()).Return(0, errors.New("device gone"))

	err := tr.Write([]byte("x\n"))
	assert.ErrorIs(t, err, serialport.ErrTransport)
}

func TestTransportZeroWriteIsTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	port.EXPECT().Write(gomock.Any()).Return(0, nil)

	assert.ErrorIs(t, tr.Write([]byte("x\n")), serialport.ErrTransport)
}

func TestTransportReadTimeoutReturnsZero(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	port.EXPECT().Read(gomock.Any()).Return(0, nil)

	n, err := tr.Read(make([]byte, 16))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestTransportReadErrorIsTransportError(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	port.EXPECT().Read(gomock.Any()).Return(0, errors.New("unplugged"))

	_, err := tr.Read(make([]byte, 16))
	assert.ErrorIs(t, err, serialport.ErrTransport)
}

func TestTransportCloseIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	port.EXPECT().Close().Return(nil).Times(1)

	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Write([]byte("x")), serialport.ErrClosed)
	_, err := tr.Read(make([]byte, 1))
	assert.ErrorIs(t, err, serialport.ErrClosed)
}

func TestTransportConcurrentWritesAreNotInterleaved(t *testing.T) {
	ctrl := gomock.NewController(t)
	port := mocks.NewMockPort(ctrl)
	tr := newTransport(t, port)

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	port.EXPECT().Write(gomock.Any()).DoAndReturn(func(b []byte) (int, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return len(b), nil
	}).Times(20)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.Write([]byte("line\n")))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestPortInfoLabel(t *testing.T) {
	assert.Equal(t, "/dev/ttyS0", serialport.PortInfo{Name: "/dev/ttyS0"}.Label())
	assert.Equal(t, "/dev/ttyUSB0 (CP2102)", serialport.PortInfo{Name: "/dev/ttyUSB0", IsUSB: true, Product: "CP2102"}.Label())
	assert.Equal(t, "/dev/ttyACM0 (USB 303a:1001)", serialport.PortInfo{Name: "/dev/ttyACM0", IsUSB: true, VID: "303a", PID: "1001"}.Label())
}
