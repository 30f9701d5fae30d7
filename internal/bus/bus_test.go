package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectRoundTrip(t *testing.T) {
	tests := []struct {
		prefix string
		id     int
		want   string
	}{
		{"espk.override", 3, "espk.override.3"},
		{"", 12, "espk.override.12"},
		{"lab.bench", 0, "lab.bench.0"},
	}
	for _, tt := range tests {
		got := Subject(tt.prefix, tt.id)
		assert.Equal(t, tt.want, got)

		id, err := TargetFromSubject(tt.prefix, got)
		require.NoError(t, err)
		assert.Equal(t, tt.id, id)
	}
}

func TestTargetFromSubjectRejectsForeignSubjects(t *testing.T) {
	for _, subj := range []string{"other.3", "espk.override.", "espk.override.x", "espk.override"} {
		_, err := TargetFromSubject("espk.override", subj)
		assert.Error(t, err, subj)
	}
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()

	var got [][]byte
	sub, err := b.Subscribe("espk.override.1", func(data []byte) { got = append(got, data) })
	require.NoError(t, err)
	assert.Equal(t, "espk.override.1", sub.Subject())
	assert.Equal(t, 1, b.Subscribers("espk.override.1"))

	require.NoError(t, b.Publish("espk.override.1", []byte(`a`)))
	require.NoError(t, b.Publish("espk.override.2", []byte(`b`)))
	assert.Equal(t, [][]byte{[]byte(`a`)}, got)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, b.Subscribers("espk.override.1"))

	require.NoError(t, b.Publish("espk.override.1", []byte(`c`)))
	assert.Len(t, got, 1)
}

func TestMemoryClosed(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())

	_, err := b.Subscribe("x", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish("x", nil), ErrClosed)
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSPerTargetSubjects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}
	srv := runNATSServer(t)

	b, err := ConnectNATS(NATSOptions{URL: srv.ClientURL(), ClientName: "espk-bridge-test", ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	assert.True(t, b.Connected())

	var (
		mu   sync.Mutex
		seen = map[string][]string{}
	)
	record := func(subject string) Handler {
		return func(data []byte) {
			mu.Lock()
			seen[subject] = append(seen[subject], string(data))
			mu.Unlock()
		}
	}

	s1, err := b.Subscribe(Subject("", 1), record("1"))
	require.NoError(t, err)
	_, err = b.Subscribe(Subject("", 2), record("2"))
	require.NoError(t, err)
	require.NoError(t, b.Flush(2*time.Second))

	require.NoError(t, b.Publish(Subject("", 1), []byte(`{"duration":1}`)))
	require.NoError(t, b.Publish(Subject("", 2), []byte(`{"duration":2}`)))
	require.NoError(t, b.Flush(2*time.Second))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["1"]) == 1 && len(seen["2"]) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s1.Unsubscribe())
	require.NoError(t, b.Publish(Subject("", 1), []byte(`{"duration":3}`)))
	require.NoError(t, b.Flush(2*time.Second))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"duration":1}`}, seen["1"])
}

func TestConnectNATSFailure(t *testing.T) {
	_, err := ConnectNATS(NATSOptions{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}
