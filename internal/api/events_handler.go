package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/espk-bridge/internal/events"
)

const keepAliveInterval = 15 * time.Second

// handleEvents streams bridge events as server-sent events. A reconnecting
// client sends Last-Event-ID and gets what it missed from the hub's buffer
// first. ?types=link.state,override.rejected narrows the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	want := parseTypeFilter(r.URL.Query().Get("types"))

	// Subscribe before replaying so nothing published in between is lost.
	live, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sent := parseLastEventID(r.Header.Get("Last-Event-ID"))
	emit := func(ev events.Event) error {
		if ev.ID <= sent {
			return nil
		}
		sent = ev.ID
		if !want(ev.Type) {
			return nil
		}
		return writeSSE(w, ev)
	}

	for _, ev := range s.events.SnapshotSince(sent) {
		if emit(ev) != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok || emit(ev) != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// parseTypeFilter returns a predicate over event types. An empty list
// admits everything.
func parseTypeFilter(raw string) func(string) bool {
	set := map[string]bool{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	if len(set) == 0 {
		return func(string) bool { return true }
	}
	return func(t string) bool { return set[t] }
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeSSE frames one event. Payloads are compact JSON, so a single data
// line suffices.
func writeSSE(w io.Writer, ev events.Event) error {
	frame := "id: " + strconv.FormatInt(ev.ID, 10) + "\n"
	if ev.Type != "" {
		frame += "event: " + ev.Type + "\n"
	}
	_, err := fmt.Fprintf(w, "%sdata: %s\n\n", frame, ev.Data)
	return err
}
