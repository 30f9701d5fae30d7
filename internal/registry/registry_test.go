package registry

import (
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/mattjoyce/espk-bridge/internal/protocol"
)

func target(id int, channels ...int) protocol.Target {
	return protocol.Target{ID: id, Name: "t", MAC: "00:00:00:00:00:00", Channels: channels}
}

func TestReplaceIsWholesale(t *testing.T) {
	r := New()
	r.Replace([]protocol.Target{target(1), target(2)})

	snap, err := r.Replace([]protocol.Target{target(2), target(3)})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if got := snap.IDs(); !slices.Equal(got, []int{2, 3}) {
		t.Fatalf("snapshot ids = %v, want [2 3]", got)
	}
	if got := r.IDs(); !slices.Equal(got, []int{2, 3}) {
		t.Fatalf("registry ids = %v, want [2 3]", got)
	}
	if r.Contains(1) {
		t.Error("target 1 survived a replace that omitted it")
	}
	if !r.Contains(3) {
		t.Error("target 3 missing after replace")
	}
	if snap.Generation != 2 {
		t.Errorf("generation = %d, want 2", snap.Generation)
	}
}

func TestReplaceRejectsRepeatedID(t *testing.T) {
	r := New()
	if _, err := r.Replace([]protocol.Target{target(4)}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	before := r.Snapshot()

	_, err := r.Replace([]protocol.Target{target(1), target(2), target(1)})
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *protocol.ValidationError", err)
	}
	if verr.Index != 2 {
		t.Errorf("index = %d, want 2", verr.Index)
	}
	if !errors.Is(err, protocol.ErrDuplicateID) {
		t.Errorf("error %v does not wrap ErrDuplicateID", err)
	}

	after := r.Snapshot()
	if after.Generation != before.Generation || !slices.Equal(after.IDs(), []int{4}) {
		t.Fatalf("registry changed: generation %d -> %d, ids %v", before.Generation, after.Generation, after.IDs())
	}
}

func TestSnapshotIsIsolatedFromCaller(t *testing.T) {
	r := New()
	input := []protocol.Target{target(1, 10, 20)}
	r.Replace(input)

	input[0].Channels[0] = 99
	snap := r.Snapshot()
	if len(snap.Targets) != 1 {
		t.Fatalf("got %d targets, want 1", len(snap.Targets))
	}
	if snap.Targets[0].Channels[0] != 10 {
		t.Fatalf("registry aliased the input slice: %v", snap.Targets[0].Channels)
	}

	snap.Targets[0].Channels[0] = 77
	got, ok := r.Get(1)
	if !ok {
		t.Fatal("Get(1) not found")
	}
	if got.Channels[0] != 10 {
		t.Fatalf("registry aliased a snapshot: %v", got.Channels)
	}
}

func TestClear(t *testing.T) {
	r := New()
	empty := r.Snapshot().Fingerprint
	r.Replace([]protocol.Target{target(1)})
	gen := r.Snapshot().Generation

	r.Clear()

	if r.Len() != 0 || len(r.IDs()) != 0 {
		t.Fatalf("registry not empty after Clear: %v", r.IDs())
	}
	snap := r.Snapshot()
	if snap.Fingerprint != empty {
		t.Errorf("fingerprint = %s, want empty-set %s", snap.Fingerprint, empty)
	}
	if snap.Generation <= gen {
		t.Errorf("generation = %d, want > %d", snap.Generation, gen)
	}
	if _, ok := r.Get(1); ok {
		t.Error("Get(1) found after Clear")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]protocol.Target{target(1, 1500)})
	b := Fingerprint([]protocol.Target{target(1, 1500)})
	c := Fingerprint([]protocol.Target{target(1, 1501)})

	if a != b {
		t.Errorf("equal sets hash differently: %s vs %s", a, b)
	}
	if a == c {
		t.Error("channel change did not change the fingerprint")
	}
	if len(a) != 32 {
		t.Errorf("fingerprint length = %d, want 32", len(a))
	}
	if Fingerprint(nil) != Fingerprint([]protocol.Target{}) {
		t.Error("nil and empty sets should hash the same")
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			r.Replace([]protocol.Target{target(i), target(i + 1)})
		}
	}()
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				snap := r.Snapshot()
				if n := len(snap.Targets); n != 0 && n != 2 {
					t.Errorf("torn snapshot with %d targets", n)
				}
				_ = r.IDs()
			}
		}()
	}
	wg.Wait()
}
