// Package watch is the live dashboard for a running bridge, fed by the HTTP
// API event stream.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/manager"
)

// Theme holds the dashboard styles, grouped by what they colour.
type Theme struct {
	// serial link and target radio links
	Up      lipgloss.Style
	Pending lipgloss.Style
	Down    lipgloss.Style
	Idle    lipgloss.Style

	// override outcomes
	Forwarded lipgloss.Style
	Clamped   lipgloss.Style
	Failed    lipgloss.Style
	Stale     lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Header lipgloss.Style
	Dim    lipgloss.Style
	Accent lipgloss.Style

	MeterOn  lipgloss.Style
	MeterOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	green, amber, red, grey := "#3FB950", "#D29922", "#F85149", "#8B949E"

	return Theme{
		Up:      fg(green),
		Pending: fg(amber),
		Down:    fg(red),
		Idle:    fg(grey),

		Forwarded: fg(green),
		Clamped:   fg(amber),
		Failed:    fg(red),
		Stale:     fg("#6E7681"),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#1F6FEB")),
		Title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F0F6FC")).Padding(0, 1),
		Header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#58A6FF")),
		Dim:    fg(grey),
		Accent: fg("#D2A8FF"),

		MeterOn:  fg("#58A6FF"),
		MeterOff: fg("#30363D"),
	}
}

// linkLabel renders the serial link state as seen from the dashboard.
func (t Theme) linkLabel(reachable bool, s manager.State) string {
	switch {
	case !reachable:
		return t.Down.Render("BRIDGE UNREACHABLE")
	case s == manager.Connected:
		return t.Up.Render("CONNECTED")
	case s == manager.Connecting:
		return t.Pending.Render("CONNECTING")
	default:
		return t.Idle.Render("DISCONNECTED")
	}
}

func (t Theme) outcome(o journal.Outcome) lipgloss.Style {
	switch o {
	case journal.OutcomeForwarded:
		return t.Forwarded
	case journal.OutcomeClamped:
		return t.Clamped
	case journal.OutcomeRejected, journal.OutcomeSendFailed:
		return t.Failed
	default:
		return t.Stale
	}
}

func (t Theme) eventType(typ string) lipgloss.Style {
	switch typ {
	case events.TypeOverrideForwarded:
		return t.Forwarded
	case events.TypeOverrideRejected, events.TypeProtocolError:
		return t.Failed
	case events.TypeLinkState:
		return t.Accent
	case events.TypeTargetsUpdate:
		return t.Idle
	default:
		return t.Dim
	}
}
