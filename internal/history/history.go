// Package history retains a bounded window of fleet events, per-entity
// status histories and rig snapshots, and reconstructs point-in-time world
// state for replay.
package history

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/rigwatch/internal/model"
)

// ErrOutOfHistory means the requested timestamp precedes the retention
// window.
var ErrOutOfHistory = errors.New("timestamp outside retained history")

// Defaults for the bounded rings.
const (
	DefaultEventCap    = 5000
	DefaultAgentCap    = 200
	DefaultSnapshotCap = 1000
)

// Marker flags a notable point on the timeline for client scrubbers.
type Marker struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Label     string    `json:"label,omitempty"`
}

// Bounds is the retained timestamp range.
type Bounds struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Store is the bounded history. One writer (the pipeline recorder), many
// readers. Readers copy out under the read lock; no reader ever blocks on
// downstream work.
type Store struct {
	mu sync.RWMutex

	events  []model.Event // chronological by index timestamp
	indexTs []time.Time   // per-event monotone timestamp for binary search
	seq     uint64
	lastTs  time.Time

	eventCap    int
	agentCap    int
	snapshotCap int

	agents  map[string][]model.StatusStep // "rig/name" -> transitions
	beads   map[string][]model.StatusStep // bead id -> transitions
	snaps   map[string][]model.Snapshot   // rig -> snapshots, oldest first
	markers []Marker
}

// NewStore creates a history store with default capacities.
func NewStore() *Store {
	return &Store{
		eventCap:    DefaultEventCap,
		agentCap:    DefaultAgentCap,
		snapshotCap: DefaultSnapshotCap,
		agents:      make(map[string][]model.StatusStep),
		beads:       make(map[string][]model.StatusStep),
		snaps:       make(map[string][]model.Snapshot),
	}
}

// SetEventCap overrides the event ring capacity.
func (s *Store) SetEventCap(n int) {
	if n > 0 {
		s.mu.Lock()
		s.eventCap = n
		s.mu.Unlock()
	}
}

// Record appends an event, assigns its sequence number, and updates the
// per-entity histories. Returns the event with Seq set.
func (s *Store) Record(e model.Event) model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e.Seq = s.seq

	// Index timestamps are clamped monotone so the ring stays binary
	// searchable even when rig clocks disagree slightly.
	ts := e.Timestamp
	if ts.Before(s.lastTs) {
		ts = s.lastTs
	}
	s.lastTs = ts

	s.events = append(s.events, e)
	s.indexTs = append(s.indexTs, ts)
	if over := len(s.events) - s.eventCap; over > 0 {
		s.events = append([]model.Event(nil), s.events[over:]...)
		s.indexTs = append([]time.Time(nil), s.indexTs[over:]...)
	}

	switch e.Type {
	case model.EventAgentStatus:
		key := e.Rig + "/" + e.Agent.Name
		steps := append(s.agents[key], model.StatusStep{Status: string(e.Agent.To), At: e.Timestamp})
		if over := len(steps) - s.agentCap; over > 0 {
			steps = append([]model.StatusStep(nil), steps[over:]...)
		}
		s.agents[key] = steps
	case model.EventBeadStatus:
		s.beads[e.Bead.BeadID] = append(s.beads[e.Bead.BeadID],
			model.StatusStep{Status: e.Bead.To, At: e.Timestamp})
	case model.EventError:
		s.markers = append(s.markers, Marker{Timestamp: e.Timestamp, Type: "error", Label: e.Message})
		if len(s.markers) > 200 {
			s.markers = append([]Marker(nil), s.markers[len(s.markers)-200:]...)
		}
	}
	return e
}

// RecordSnapshot retains a rig snapshot as a replay base.
func (s *Store) RecordSnapshot(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.snaps[snap.Rig], snap)
	if over := len(list) - s.snapshotCap; over > 0 {
		list = append([]model.Snapshot(nil), list[over:]...)
	}
	s.snaps[snap.Rig] = list
}

// EventsBetween returns events with start <= ts <= end in chronological
// order. Zero bounds are unbounded; a nil filter matches everything.
func (s *Store) EventsBetween(start, end time.Time, filter func(model.Event) bool) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.indexTs), func(i int) bool { return !s.indexTs[i].Before(start) })
	hi := len(s.indexTs)
	if !end.IsZero() {
		hi = sort.Search(len(s.indexTs), func(i int) bool { return s.indexTs[i].After(end) })
	}

	out := make([]model.Event, 0, hi-lo)
	for i := lo; i < hi; i++ {
		if filter == nil || filter(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out
}

// Events returns every retained event in order.
func (s *Store) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, len(s.events))
	copy(out, s.events)
	return out
}

// AgentHistory returns the retained status transitions of one agent.
func (s *Store) AgentHistory(rig, name string) []model.StatusStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.agents[rig+"/"+name]
	out := make([]model.StatusStep, len(steps))
	copy(out, steps)
	return out
}

// BeadHistory returns the retained lifecycle of one bead.
func (s *Store) BeadHistory(id string) []model.StatusStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.beads[id]
	out := make([]model.StatusStep, len(steps))
	copy(out, steps)
	return out
}

// Bounds returns the retained timestamp range. ok is false while empty.
func (s *Store) Bounds() (Bounds, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.indexTs) == 0 {
		return Bounds{}, false
	}
	return Bounds{Start: s.indexTs[0], End: s.indexTs[len(s.indexTs)-1]}, true
}

// Markers returns timeline markers, oldest first.
func (s *Store) Markers() []Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Marker, len(s.markers))
	copy(out, s.markers)
	return out
}
