package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubRingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := range 5 {
		h.Publish(TypeLinkState, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d events, want 3", len(snap))
	}
	if snap[0].ID != 3 || snap[2].ID != 5 {
		t.Errorf("snapshot ids %d..%d, want 3..5", snap[0].ID, snap[2].ID)
	}

	if got := h.SnapshotSince(4); len(got) != 1 {
		t.Errorf("SnapshotSince(4) returned %d events, want 1", len(got))
	}
}

func TestHubLatestSurvivesRotation(t *testing.T) {
	h := NewHub(2)
	h.Publish(TypeTargetsUpdate, map[string]int{"count": 2})
	h.Publish(TypeOverrideForwarded, nil)
	h.Publish(TypeOverrideForwarded, nil)

	ev, ok := h.Latest(TypeTargetsUpdate)
	if !ok {
		t.Fatal("targets.update rotated out of Latest")
	}
	var payload map[string]int
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload["count"] != 2 {
		t.Errorf("count = %d, want 2", payload["count"])
	}

	if _, ok := h.Latest(TypeProtocolError); ok {
		t.Error("Latest returned an event type never published")
	}
}

func TestHubSubscribeAndCancel(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()

	PublishLink(h, LinkChange{State: "connected"})
	select {
	case ev := <-ch:
		if ev.Type != TypeLinkState {
			t.Errorf("type = %q", ev.Type)
		}
		if string(ev.Data) != `{"state":"connected"}` {
			t.Errorf("data = %s", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// A second cancel must not panic.
	cancel()
}

func TestHubNilPayload(t *testing.T) {
	h := NewHub(1)
	h.Publish(TypeProtocolError, nil)
	ev, ok := h.Latest(TypeProtocolError)
	if !ok {
		t.Fatal("no event")
	}
	if string(ev.Data) != "{}" {
		t.Errorf("data = %s, want {}", ev.Data)
	}
}
