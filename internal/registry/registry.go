// Package registry holds the last validated set of targets reported by the
// transmitter. The set is only ever replaced wholesale.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/espk-bridge/internal/protocol"
)

// Snapshot is an immutable view of the registry at one generation.
type Snapshot struct {
	Generation  uint64            `json:"generation"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Targets     []protocol.Target `json:"targets"`
	Fingerprint string            `json:"fingerprint"`
}

// IDs returns the target ids in the snapshot, in report order.
func (s Snapshot) IDs() []int {
	ids := make([]int, len(s.Targets))
	for i, t := range s.Targets {
		ids[i] = t.ID
	}
	return ids
}

// Registry is safe for concurrent use. Only the manager's dispatch path
// calls Replace and Clear.
type Registry struct {
	mu         sync.RWMutex
	targets    []protocol.Target
	byID       map[int]int
	generation uint64
	updatedAt  time.Time
	fp         string
}

func New() *Registry {
	return &Registry{
		byID: make(map[int]int),
		fp:   Fingerprint(nil),
	}
}

// Replace swaps in a new target set and returns the resulting snapshot. A
// set that repeats an id is refused and the registry keeps its current
// contents.
func (r *Registry) Replace(targets []protocol.Target) (Snapshot, error) {
	next := cloneTargets(targets)
	byID := make(map[int]int, len(next))
	for i, t := range next {
		if first, dup := byID[t.ID]; dup {
			return Snapshot{}, &protocol.ValidationError{Index: i,
				Err: fmt.Errorf("%w: id %d already used by target[%d]", protocol.ErrDuplicateID, t.ID, first)}
		}
		byID[t.ID] = i
	}
	fp := Fingerprint(next)

	r.mu.Lock()
	r.targets = next
	r.byID = byID
	r.generation++
	r.updatedAt = time.Now().UTC()
	r.fp = fp
	snap := r.snapshotLocked()
	r.mu.Unlock()

	return snap, nil
}

// Clear empties the registry. Used when the link is torn down.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets = nil
	r.byID = make(map[int]int)
	r.generation++
	r.updatedAt = time.Now().UTC()
	r.fp = Fingerprint(nil)
}

// Snapshot returns a deep copy of the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Get returns a copy of the target with the given id.
func (r *Registry) Get(id int) (protocol.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byID[id]
	if !ok {
		return protocol.Target{}, false
	}
	return r.targets[i].Clone(), true
}

// Contains reports whether id is a currently known target.
func (r *Registry) Contains(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// IDs returns the known target ids, sorted ascending.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Ints(ids)
	return ids
}

// Len returns the number of known targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

func (r *Registry) snapshotLocked() Snapshot {
	return Snapshot{
		Generation:  r.generation,
		UpdatedAt:   r.updatedAt,
		Targets:     cloneTargets(r.targets),
		Fingerprint: r.fp,
	}
}

func cloneTargets(in []protocol.Target) []protocol.Target {
	out := make([]protocol.Target, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// Fingerprint is a stable BLAKE3 digest of a target set. It changes whenever
// any field of any target changes, and is used as an HTTP ETag.
func Fingerprint(targets []protocol.Target) string {
	if targets == nil {
		targets = []protocol.Target{}
	}
	b, err := json.Marshal(targets)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:16])
}
