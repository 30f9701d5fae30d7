// Package manager runs the serial link to the transmitter: connection
// lifecycle, the reader and bus-pump goroutines, and the outbound write path.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/espk-bridge/internal/bus"
	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/log"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/registry"
	"github.com/mattjoyce/espk-bridge/internal/serialport"
)

var (
	// ErrConnection wraps failures to open the link.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect while a link is up.
	ErrAlreadyConnected = errors.New("already connected")
)

const (
	DefaultStopTimeout = time.Second
	DefaultInboxSize   = 64
)

// State is the link state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Options configures a Manager. Bus is required; the rest have defaults.
type Options struct {
	Bus           bus.Bus
	SubjectPrefix string
	Open          serialport.Opener
	ListPorts     func() ([]serialport.PortInfo, error)
	// OnTargets receives every validated target snapshot, once per update.
	OnTargets   func([]protocol.Target)
	Recorder    journal.Recorder
	Events      events.Publisher
	ReadTimeout time.Duration
	StopTimeout time.Duration
	InboxSize   int
	Logger      *slog.Logger
}

// Status is a point-in-time summary of the link.
type Status struct {
	State            State      `json:"state"`
	Port             string     `json:"port,omitempty"`
	Baud             int        `json:"baud,omitempty"`
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	Targets          int        `json:"targets"`
	Subscriptions    []int      `json:"subscriptions"`
	Generation       uint64     `json:"generation"`
	Fingerprint      string     `json:"fingerprint"`
	BytesIn          int64      `json:"bytes_in"`
	BytesOut         int64      `json:"bytes_out"`
	DroppedOverrides uint64     `json:"dropped_overrides"`
	LastError        string     `json:"last_error,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	registry *registry.Registry

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex

	mu      sync.Mutex
	state   State
	sess    *session
	lastErr string
}

// New builds a Manager in the Disconnected state.
func New(opts Options) (*Manager, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = bus.DefaultSubjectPrefix
	}
	if opts.Open == nil {
		opts.Open = serialport.Open
	}
	if opts.ListPorts == nil {
		opts.ListPorts = serialport.ListPorts
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = serialport.DefaultReadTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("manager")
	}
	return &Manager{
		opts:     opts,
		logger:   logger,
		registry: registry.New(),
	}, nil
}

// Ports lists the serial devices currently present.
func (m *Manager) Ports() ([]serialport.PortInfo, error) {
	ports, err := m.opts.ListPorts()
	if err != nil {
		return nil, err
	}
	m.logger.Debug("available ports", "count", len(ports))
	return ports, nil
}

// Connect opens port and starts the reader and bus pump. On failure nothing
// is left running and the state stays Disconnected.
func (m *Manager) Connect(port string, baud int) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if baud <= 0 {
		baud = serialport.DefaultBaud
	}

	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	stale := m.sess != nil
	m.mu.Unlock()

	// A read failure leaves the dead session in place until now.
	if stale {
		m.teardown()
	}

	logger := m.logger.With("port", port, "baud", baud)
	logger.Info("connecting")
	m.setState(Connecting, "")

	p, err := m.opts.Open(port, baud)
	if err != nil {
		return m.connectFailed(logger, fmt.Errorf("%w: open %s: %v", ErrConnection, port, err))
	}
	tr, err := serialport.NewTransport(port, p, m.opts.ReadTimeout)
	if err != nil {
		return m.connectFailed(logger, fmt.Errorf("%w: %v", ErrConnection, err))
	}

	s := newSession(m, tr, port, baud, logger)

	m.mu.Lock()
	m.sess = s
	m.state = Connected
	m.lastErr = ""
	m.mu.Unlock()

	s.start()
	m.publishLink(port, "")
	logger.Info("connected")
	return nil
}

func (m *Manager) connectFailed(logger *slog.Logger, err error) error {
	logger.Error("connection failed", "error", err)
	m.setState(Disconnected, err.Error())
	m.publishLink("", err.Error())
	return err
}

// Disconnect stops the session, if any, and returns to Disconnected. It is
// safe to call at any time.
func (m *Manager) Disconnect() {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.teardown()
}

// teardown requires connMu.
func (m *Manager) teardown() {
	m.mu.Lock()
	s := m.sess
	m.sess = nil
	m.mu.Unlock()

	if s == nil {
		m.setState(Disconnected, "")
		return
	}

	s.stop(m.opts.StopTimeout)
	m.registry.Clear()
	m.setState(Disconnected, "")
	m.publishLink(s.port, "")
	s.logger.Info("disconnected")
}

// Send writes cmd to the transmitter. A write failure is logged and
// returned but leaves the link state alone.
func (m *Manager) Send(cmd *protocol.OverrideChannels) error {
	m.mu.Lock()
	s := m.sess
	up := m.state == Connected
	m.mu.Unlock()

	if !up || s == nil {
		m.logger.Warn("send while not connected", "target_id", targetOf(cmd))
		return ErrNotConnected
	}
	return s.send(cmd)
}

// State returns the current link state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Targets returns a copy of the current target set.
func (m *Manager) Targets() []protocol.Target {
	return m.registry.Snapshot().Targets
}

// Target returns one target by id.
func (m *Manager) Target(id int) (protocol.Target, bool) {
	return m.registry.Get(id)
}

// Snapshot returns the registry snapshot, including its fingerprint.
func (m *Manager) Snapshot() registry.Snapshot {
	return m.registry.Snapshot()
}

// Status summarises the link.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state, LastError: m.lastErr, Subscriptions: []int{}}
	s := m.sess
	m.mu.Unlock()

	snap := m.registry.Snapshot()
	st.Targets = len(snap.Targets)
	st.Generation = snap.Generation
	st.Fingerprint = snap.Fingerprint

	if s != nil {
		st.Port = s.port
		st.Baud = s.baud
		at := s.startedAt
		st.ConnectedAt = &at
		st.Subscriptions = s.reconciler.Subscribed()
		st.BytesIn, st.BytesOut = s.transport.Counters()
		st.DroppedOverrides = s.reconciler.Dropped()
	}
	return st
}

func (m *Manager) setState(state State, lastErr string) {
	m.mu.Lock()
	m.state = state
	if lastErr != "" {
		m.lastErr = lastErr
	}
	m.mu.Unlock()
}

// markDown records a fatal read failure on s. It does not tear s down.
func (m *Manager) markDown(s *session, err error) {
	m.mu.Lock()
	if m.sess != s || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	m.lastErr = err.Error()
	m.mu.Unlock()
	m.publishLink(s.port, err.Error())
}

func (m *Manager) publishLink(port, errText string) {
	events.PublishLink(m.opts.Events, events.LinkChange{State: m.State().String(), Port: port, Error: errText})
}

func (m *Manager) publish(eventType string, data any) {
	if m.opts.Events != nil {
		m.opts.Events.Publish(eventType, data)
	}
}

func targetOf(cmd *protocol.OverrideChannels) int {
	if cmd == nil {
		return 0
	}
	return cmd.TargetID
}
