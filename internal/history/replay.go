package history

import (
	"sort"
	"time"

	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/world"
)

// StateAt reconstructs the fleet as it existed at t. Per rig it starts from
// the oldest retained snapshot with observedAt <= t and folds forward every
// event up to and including t. The reconstruction is a pure function of the
// (snapshot, event-prefix) pair.
func (s *Store) StateAt(t time.Time) (world.FleetState, error) {
	s.mu.RLock()
	bases := make(map[string]model.Snapshot)
	for rig, snaps := range s.snaps {
		for _, snap := range snaps {
			if snap.ObservedAt.After(t) {
				break
			}
			bases[rig] = snap
			break // oldest qualifying snapshot is the replay base
		}
	}
	s.mu.RUnlock()

	if len(bases) == 0 {
		return world.FleetState{}, ErrOutOfHistory
	}

	states := make(map[string]*rigReplay, len(bases))
	for rig, snap := range bases {
		states[rig] = replayBase(snap)
	}

	events := s.EventsBetween(time.Time{}, t, nil)
	for _, e := range events {
		rp, ok := states[e.Rig]
		if !ok {
			continue
		}
		// Skip only events at or before the base snapshot's stamp; events
		// folded in may share a timestamp with each other (one snapshot
		// apply stamps its whole diff with the same observedAt).
		if !e.Timestamp.After(rp.baseAt) {
			continue
		}
		rp.fold(e)
	}

	return assemble(states, t), nil
}

// rigReplay is the mutable reconstruction of one rig.
type rigReplay struct {
	rig    string
	baseAt time.Time // base snapshot's observedAt, fixed for the whole fold
	agents map[string]model.Agent
	beads  map[string]model.Bead
	mail   []model.Mail
}

func replayBase(snap model.Snapshot) *rigReplay {
	rp := &rigReplay{
		rig:    snap.Rig,
		baseAt: snap.ObservedAt,
		agents:     make(map[string]model.Agent, len(snap.Agents)),
		beads:      make(map[string]model.Bead, len(snap.Beads)),
	}
	for _, a := range snap.Agents {
		if a.Status == "" {
			a.Status = model.DeriveStatus(a.SessionRunning, a.State, a.HookBead)
		}
		if a.SessionID == "" {
			a.SessionID = model.SessionID(a.Rig, a.Name)
		}
		rp.agents[a.Name] = a
	}
	for _, b := range snap.Beads {
		rp.beads[b.ID] = b
	}
	rp.mail = append(rp.mail, snap.Mail...)
	return rp
}

// fold applies one event to the reconstruction.
func (rp *rigReplay) fold(e model.Event) {
	switch e.Type {
	case model.EventAgentAdded:
		if _, ok := rp.agents[e.Agent.Name]; !ok {
			rp.agents[e.Agent.Name] = model.Agent{
				Rig:       e.Rig,
				Name:      e.Agent.Name,
				Role:      e.Agent.Role,
				Status:    model.StatusUnknown,
				SessionID: model.SessionID(e.Rig, e.Agent.Name),
			}
		}
	case model.EventAgentRemoved:
		delete(rp.agents, e.Agent.Name)
	case model.EventAgentStatus:
		a, ok := rp.agents[e.Agent.Name]
		if !ok {
			a = model.Agent{Rig: e.Rig, Name: e.Agent.Name, Role: e.Agent.Role,
				SessionID: model.SessionID(e.Rig, e.Agent.Name)}
		}
		a.Status = e.Agent.To
		a.SessionRunning = e.Agent.To == model.StatusRunning || e.Agent.To == model.StatusIdle || e.Agent.To == model.StatusError
		if a.Status == model.StatusStopped || a.Status == model.StatusError {
			a.HookBead = ""
		}
		rp.agents[e.Agent.Name] = a
	case model.EventHookChange:
		a, ok := rp.agents[e.Hook.Name]
		if !ok {
			return
		}
		a.HookBead = e.Hook.NewBead
		rp.agents[e.Hook.Name] = a
	case model.EventBeadStatus:
		b, ok := rp.beads[e.Bead.BeadID]
		if !ok {
			b = model.Bead{ID: e.Bead.BeadID, Priority: e.Bead.Priority}
		}
		b.Status = e.Bead.To
		b.StatusHistory = append(b.StatusHistory, model.StatusStep{Status: e.Bead.To, At: e.Timestamp})
		if model.TerminalBeadStatus(b.Status) && b.ClosedAt == nil {
			t := e.Timestamp
			b.ClosedAt = &t
		}
		rp.beads[e.Bead.BeadID] = b
	case model.EventMail:
		if e.Mail != nil {
			rp.mail = append(rp.mail, *e.Mail)
		}
	}
}

// assemble flattens per-rig reconstructions into a FleetState with
// deterministic ordering.
func assemble(states map[string]*rigReplay, at time.Time) world.FleetState {
	out := world.FleetState{ObservedAt: at, Hooks: make(map[string]string)}
	for rig, rp := range states {
		out.Rigs = append(out.Rigs, rig)
		for _, a := range rp.agents {
			out.Agents = append(out.Agents, a)
			if a.HookBead != "" {
				out.Hooks[a.Key()] = a.HookBead
			}
		}
		for _, b := range rp.beads {
			out.Beads = append(out.Beads, b)
		}
		out.Mail = append(out.Mail, rp.mail...)
	}
	sort.Strings(out.Rigs)
	sort.Slice(out.Agents, func(i, j int) bool { return out.Agents[i].Key() < out.Agents[j].Key() })
	sort.Slice(out.Beads, func(i, j int) bool { return out.Beads[i].ID < out.Beads[j].ID })
	sort.Slice(out.Mail, func(i, j int) bool { return out.Mail[i].Timestamp.Before(out.Mail[j].Timestamp) })
	return out
}
