package watch

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/manager"
	"github.com/mattjoyce/espk-bridge/internal/registry"
)

const (
	eventLogSize     = 50
	linkPollInterval = 5 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	link     LinkState
	targets  TargetsState
	eventLog []events.Event

	heartbeat   Heartbeat
	traffic     TrafficMeter
	lastEventAt time.Time

	theme          Theme
	selectedTarget int

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		targets:   newTargetsState(),
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		heartbeat: NewHeartbeat(3 * linkPollInterval),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchLink(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchTargets(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selectedTarget > 0 {
				m.selectedTarget--
			}
		case "down", "j":
			if m.selectedTarget < len(m.targets.Targets)-1 {
				m.selectedTarget++
			}
		case "r":
			return m, func() tea.Msg { return fetchTargets(m.apiURL, m.apiKey) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.heartbeat.Tick(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case linkMsg:
		m.link.Status = manager.Status(msg)
		m.link.Reachable = true
		m.link.LastCheck = time.Now()
		m.heartbeat.Good(m.link.LastCheck)
		m.traffic.Observe(m.link.Status.BytesIn, m.link.Status.BytesOut, m.link.LastCheck)
		m.lastError = ""

		// Byte counters only arrive by polling.
		return m, tea.Tick(linkPollInterval, func(t time.Time) tea.Msg {
			return fetchLink(m.apiURL, m.apiKey)
		})

	case targetsMsg:
		m.targets.applySnapshot(registry.Snapshot(msg))
		m.clampSelection()

	case sseDisconnectedMsg:
		m.link.Reachable = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the channel and
		// picks up events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, tea.Batch(
			subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
			func() tea.Msg { return fetchTargets(m.apiURL, m.apiKey) },
		)

	case linkErrMsg:
		m.link.Reachable = false
		m.lastError = msg.err.Error()
		return m, tea.Tick(linkPollInterval, func(t time.Time) tea.Msg {
			return fetchLink(m.apiURL, m.apiKey)
		})

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

// applyEvent folds one streamed event into the model.
func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.lastEventAt = time.Now()

	if ls, ok := e.Link(); ok {
		m.link.Status.State = parseState(ls.State)
		if ls.Port != "" {
			m.link.Status.Port = ls.Port
		}
		m.link.Status.LastError = ls.Error
	}

	m.targets.apply(e)
	m.link.Status.Targets = len(m.targets.Targets)
	m.clampSelection()

	m.link.Reachable = true
	m.lastError = ""
}

func (m *Model) clampSelection() {
	if m.selectedTarget >= len(m.targets.Targets) {
		m.selectedTarget = len(m.targets.Targets) - 1
	}
	if m.selectedTarget < 0 {
		m.selectedTarget = 0
	}
}

func parseState(s string) manager.State {
	switch s {
	case manager.Connected.String():
		return manager.Connected
	case manager.Connecting.String():
		return manager.Connecting
	default:
		return manager.Disconnected
	}
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := renderHeader(m.link, m.heartbeat, m.traffic, m.lastEventAt, m.theme, m.width)
	targets := renderTargets(m.targets, m.selectedTarget, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.Down.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Targets • [r] Refresh")

	parts := []string{header, targets, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
