package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/espk-bridge/internal/events"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/protocol"
	"github.com/mattjoyce/espk-bridge/internal/registry"
)

// TargetsState is the target table as last reported, plus the most recent
// override outcome per target.
type TargetsState struct {
	Generation  uint64
	Fingerprint string
	Targets     []protocol.Target
	LastUpdate  time.Time
	Overrides   map[int]OverrideState
}

// OverrideState is the latest override outcome seen for one target.
type OverrideState struct {
	Outcome   journal.Outcome
	Forwarded []int
	At        time.Time
}

func newTargetsState() TargetsState {
	return TargetsState{Overrides: make(map[int]OverrideState)}
}

// applySnapshot replaces the table. Snapshots older than the one held are
// ignored so a slow /targets poll cannot roll back an SSE update.
func (s *TargetsState) applySnapshot(snap registry.Snapshot) {
	if snap.Generation != 0 && snap.Generation < s.Generation {
		return
	}
	s.Generation = snap.Generation
	s.Fingerprint = snap.Fingerprint
	s.Targets = snap.Targets
	s.LastUpdate = time.Now()
}

// apply folds one hub event into the table state.
func (s *TargetsState) apply(e events.Event) {
	switch e.Type {
	case events.TypeTargetsUpdate:
		var snap registry.Snapshot
		if err := json.Unmarshal(e.Data, &snap); err != nil {
			return
		}
		s.applySnapshot(snap)
	case events.TypeOverrideForwarded, events.TypeOverrideRejected:
		var entry journal.Entry
		if err := json.Unmarshal(e.Data, &entry); err != nil {
			return
		}
		s.Overrides[entry.TargetID] = OverrideState{
			Outcome:   entry.Outcome,
			Forwarded: entry.Forwarded,
			At:        e.At,
		}
	case events.TypeLinkState:
		if ls, ok := e.Link(); ok && ls.State == "disconnected" {
			s.Targets = nil
		}
	}
}

func renderTargets(state TargetsState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(state.Targets) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("TARGETS"),
			theme.Dim.Render("  No targets reported yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	header := theme.Header.Render(fmt.Sprintf(" %-4s %-16s %-17s %-5s %-20s %-9s %s",
		"ID", "NAME", "MAC", "LINK", "CHANNELS", "OVERRIDE", "LAST"))

	lines := []string{theme.Title.Render("TARGETS"), header}
	for i, t := range state.Targets {
		lines = append(lines, renderTargetRow(t, state.Overrides[t.ID], i == selected, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderTargetRow(t protocol.Target, ov OverrideState, isSelected bool, theme Theme) string {
	link := theme.Down.Render(fmt.Sprintf("%-5s", "down"))
	if t.ConnectionState {
		link = theme.Up.Render(fmt.Sprintf("%-5s", "up"))
	}

	override := theme.Dim.Render(fmt.Sprintf("%-9s", "-"))
	if t.IsChannelsOverridden {
		override = theme.Pending.Render(fmt.Sprintf("%-9s", formatRemaining(t.OverrideTimeoutRemaining)))
	}

	last := ""
	if !ov.At.IsZero() {
		last = fmt.Sprintf("%s %s", outcomeIcon(ov.Outcome, theme), theme.Dim.Render(formatAgo(time.Since(ov.At))))
	}

	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	return fmt.Sprintf(" %-4d %s %-17s %s %-20s %s %s",
		t.ID,
		nameStyle.Render(fmt.Sprintf("%-16s", clip(t.Name, 16))),
		t.MAC,
		link,
		clip(formatChannels(t.Channels), 20),
		override,
		last,
	)
}

func formatChannels(ch []int) string {
	if len(ch) == 0 {
		return "-"
	}
	parts := make([]string, len(ch))
	for i, c := range ch {
		parts[i] = fmt.Sprint(c)
	}
	return strings.Join(parts, ",")
}

// formatRemaining renders an override countdown given in milliseconds.
func formatRemaining(ms int) string {
	if ms <= 0 {
		return "held"
	}
	d := time.Duration(ms) * time.Millisecond
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func outcomeIcon(o journal.Outcome, theme Theme) string {
	icons := map[journal.Outcome]string{
		journal.OutcomeForwarded:  "✔",
		journal.OutcomeClamped:    "✂",
		journal.OutcomeRejected:   "✘",
		journal.OutcomeSendFailed: "✘",
		journal.OutcomeStale:      "·",
	}
	icon, ok := icons[o]
	if !ok {
		return ""
	}
	return theme.outcome(o).Render(icon)
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
