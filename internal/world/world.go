// Package world holds the authoritative fleet state and turns consecutive
// snapshots into typed events. Each rig is an independent stream guarded by
// its own lock; applying a snapshot computes the diff under the writer
// guard and hands the events back to the caller, who publishes them
// downstream without holding any lock.
package world

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/model"
)

// removalMisses is how many consecutive snapshots an agent must be absent
// from before an agent_removed event fires. Guards against session-list
// flapping during agent restarts.
const defaultRemovalMisses = 2

// rigState is the current state of one rig. All fields are guarded by mu.
type rigState struct {
	mu sync.RWMutex

	rig        string
	observedAt time.Time
	agents     map[string]model.Agent // name -> agent
	beads      map[string]model.Bead  // bead id -> bead
	mail       []model.Mail           // recent window, newest last
	mailSeen   time.Time              // high-water mark for mail emission
	missing    map[string]int         // name -> consecutive absent polls
	roles      map[string]model.Role  // remembered across absence for re-add
}

// World is the container of all rig states.
type World struct {
	mu            sync.RWMutex
	rigs          map[string]*rigState
	removalMisses int
	mailWindow    int
	log           zerolog.Logger
}

// New creates an empty world model.
func New(log zerolog.Logger) *World {
	return &World{
		rigs:          make(map[string]*rigState),
		removalMisses: defaultRemovalMisses,
		mailWindow:    100,
		log:           log.With().Str("component", "world").Logger(),
	}
}

// SetRemovalMisses overrides the flap-suppression threshold.
func (w *World) SetRemovalMisses(n int) {
	if n > 0 {
		w.removalMisses = n
	}
}

func (w *World) rigState(rig string) *rigState {
	w.mu.Lock()
	defer w.mu.Unlock()
	rs, ok := w.rigs[rig]
	if !ok {
		rs = &rigState{
			rig:     rig,
			agents:  make(map[string]model.Agent),
			beads:   make(map[string]model.Bead),
			missing: make(map[string]int),
			roles:   make(map[string]model.Role),
		}
		w.rigs[rig] = rs
	}
	return rs
}

// Apply folds a snapshot into the world and returns the events the diff
// produced, in emission order (agents, hooks, beads, mail). Applying the
// same snapshot twice yields no events on the second call.
func (w *World) Apply(snap model.Snapshot) []model.Event {
	rs := w.rigState(snap.Rig)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// Per-rig snapshots must arrive in observedAt order; a stale snapshot
	// is dropped rather than rewound.
	if !rs.observedAt.IsZero() && !snap.ObservedAt.After(rs.observedAt) {
		if !snap.ObservedAt.Equal(rs.observedAt) {
			w.log.Warn().Str("rig", snap.Rig).
				Time("got", snap.ObservedAt).Time("have", rs.observedAt).
				Msg("dropping out-of-order snapshot")
		}
		return nil
	}

	events := diffRig(rs, snap, w.removalMisses)
	w.publish(rs, snap)
	return events
}

// publish installs the new snapshot as current state. Caller holds rs.mu.
func (w *World) publish(rs *rigState, snap model.Snapshot) {
	rs.observedAt = snap.ObservedAt

	next := make(map[string]model.Agent, len(snap.Agents))
	for _, a := range snap.Agents {
		a = normalizeAgent(a)
		next[a.Name] = a
		rs.roles[a.Name] = a.Role
		delete(rs.missing, a.Name)
	}
	// Carry absent agents until flap suppression removes them. A counter at
	// the threshold means the diff just emitted agent_removed; drop the
	// agent and retire the counter so the removal cannot re-fire.
	for name, a := range rs.agents {
		if _, present := next[name]; present {
			continue
		}
		if rs.missing[name] < w.removalMisses {
			next[name] = a
		} else {
			delete(rs.missing, name)
		}
	}
	rs.agents = next

	for _, b := range snap.Beads {
		prev, ok := rs.beads[b.ID]
		if ok {
			b.StatusHistory = prev.StatusHistory
		}
		if !ok || prev.Status != b.Status {
			b.StatusHistory = append(b.StatusHistory, model.StatusStep{Status: b.Status, At: snap.ObservedAt})
		}
		if model.TerminalBeadStatus(b.Status) && b.ClosedAt == nil {
			t := snap.ObservedAt
			b.ClosedAt = &t
		}
		rs.beads[b.ID] = b
	}

	for _, m := range snap.Mail {
		if !m.Timestamp.After(rs.mailSeen) {
			continue
		}
		rs.mail = append(rs.mail, m)
	}
	if n := len(rs.mail); n > w.mailWindow {
		rs.mail = append([]model.Mail(nil), rs.mail[n-w.mailWindow:]...)
	}
	for _, m := range snap.Mail {
		if m.Timestamp.After(rs.mailSeen) {
			rs.mailSeen = m.Timestamp
		}
	}
}

// normalizeAgent enforces the model invariants on a raw observation:
// a stopped agent cannot keep work on its hook, and the synthetic session
// id is always derivable from identity.
func normalizeAgent(a model.Agent) model.Agent {
	if a.Status == "" {
		a.Status = model.DeriveStatus(a.SessionRunning, a.State, a.HookBead)
	}
	if a.Status == model.StatusStopped || a.Status == model.StatusError {
		a.HookBead = ""
	}
	if a.Role == "" {
		a.Role = model.RoleForName(a.Name)
	}
	if a.SessionID == "" {
		a.SessionID = model.SessionID(a.Rig, a.Name)
	}
	return a
}

// Rigs returns the known rig names, sorted.
func (w *World) Rigs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rigs := make([]string, 0, len(w.rigs))
	for rig := range w.rigs {
		rigs = append(rigs, rig)
	}
	sort.Strings(rigs)
	return rigs
}

// Remove drops a rig from the world (rig unregistered externally).
func (w *World) Remove(rig string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.rigs, rig)
}
