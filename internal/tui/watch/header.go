package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/espk-bridge/internal/manager"
)

// LinkState tracks the bridge's serial link from /link polling and
// link.state events.
type LinkState struct {
	Status    manager.Status
	Reachable bool
	LastCheck time.Time
}

func renderHeader(link LinkState, hb Heartbeat, traffic TrafficMeter, lastEvent time.Time, theme Theme, width int) string {
	innerWidth := width - 4
	now := time.Now()

	st := link.Status
	stateText := theme.linkLabel(link.Reachable, st.State)

	lastEventStr := "never"
	if !lastEvent.IsZero() {
		lastEventStr = formatAgo(now.Sub(lastEvent))
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" ESPK BRIDGE %s", hb.Render(theme, now))

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	port := st.Port
	if port == "" {
		port = "-"
	}
	uptime := "-"
	if st.ConnectedAt != nil {
		uptime = formatDuration(time.Since(*st.ConnectedAt))
	}
	statsLine := fmt.Sprintf(" %s  %s @ %d  ⏱ %s  Targets: %d  Subs: %d",
		stateText, port, st.Baud, uptime, st.Targets, len(st.Subscriptions))

	inRate, outRate := traffic.Rates()
	ioLine := fmt.Sprintf(" In: %d B (%.0f B/s) %s  Out: %d B (%.0f B/s)  Dropped: %d",
		st.BytesIn, inRate, traffic.Render(theme), st.BytesOut, outRate, st.DroppedOverrides)
	if st.LastError != "" {
		ioLine += "  " + theme.Down.Render(clip(st.LastError, 60))
	}

	activityLine := fmt.Sprintf(" Last event: %s", lastEventStr)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		ioLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
