package watch

import (
	"math"
	"strings"
	"time"
)

// Heartbeat shows whether /link polling is still succeeding. It beats on
// every UI tick while the last good poll is recent and flatlines otherwise.
type Heartbeat struct {
	beat     bool
	lastGood time.Time
	maxAge   time.Duration
}

func NewHeartbeat(maxAge time.Duration) Heartbeat {
	return Heartbeat{maxAge: maxAge}
}

func (h *Heartbeat) Good(at time.Time) { h.lastGood = at }

func (h *Heartbeat) Tick(now time.Time) {
	if h.Alive(now) {
		h.beat = !h.beat
	} else {
		h.beat = false
	}
}

func (h Heartbeat) Alive(now time.Time) bool {
	return !h.lastGood.IsZero() && now.Sub(h.lastGood) <= h.maxAge
}

func (h Heartbeat) Render(theme Theme, now time.Time) string {
	switch {
	case !h.Alive(now):
		return theme.Down.Render("✕")
	case h.beat:
		return theme.Up.Render("♥")
	default:
		return theme.Dim.Render("♡")
	}
}

const meterCells = 5

// TrafficMeter turns the cumulative serial byte counters from successive
// /link polls into a rate.
type TrafficMeter struct {
	in, out   int64
	at        time.Time
	inRate    float64 // bytes/s
	outRate   float64
	hasSample bool
}

// Observe records a counter sample. Counters that go backwards mean the
// link was reopened, so the rate restarts from zero.
func (m *TrafficMeter) Observe(in, out int64, at time.Time) {
	if m.hasSample && at.After(m.at) && in >= m.in && out >= m.out {
		secs := at.Sub(m.at).Seconds()
		m.inRate = float64(in-m.in) / secs
		m.outRate = float64(out-m.out) / secs
	} else {
		m.inRate, m.outRate = 0, 0
	}
	m.in, m.out, m.at, m.hasSample = in, out, at, true
}

func (m TrafficMeter) Rates() (in, out float64) { return m.inRate, m.outRate }

// Render draws the inbound rate on a log scale: one cell per decade from
// 1 B/s up.
func (m TrafficMeter) Render(theme Theme) string {
	lit := 0
	if m.inRate >= 1 {
		lit = min(meterCells, int(math.Log10(m.inRate))+1)
	}
	var b strings.Builder
	for i := range meterCells {
		if i < lit {
			b.WriteString(theme.MeterOn.Render("▮"))
		} else {
			b.WriteString(theme.MeterOff.Render("▯"))
		}
	}
	return b.String()
}
