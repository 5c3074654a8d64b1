package world

import (
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/rigwatch/internal/model"
)

// FleetState is a read-only projection of the whole world, served to
// clients as the initial frame and by GET /api/state.
type FleetState struct {
	ObservedAt time.Time         `json:"observedAt"`
	Rigs       []string          `json:"rigs"`
	Agents     []model.Agent     `json:"agents"`
	Beads      []model.Bead      `json:"beads"`
	Hooks      map[string]string `json:"hooks"` // "rig/agent" -> bead id
	Mail       []model.Mail      `json:"mail"`
}

// State assembles a consistent projection of every rig. Each rig is read
// under its own reader guard; cross-rig consistency is not promised, per
// the independent-stream model.
func (w *World) State() FleetState {
	w.mu.RLock()
	rigs := make([]*rigState, 0, len(w.rigs))
	for _, rs := range w.rigs {
		rigs = append(rigs, rs)
	}
	w.mu.RUnlock()

	state := FleetState{Hooks: make(map[string]string)}
	for _, rs := range rigs {
		rs.mu.RLock()
		state.Rigs = append(state.Rigs, rs.rig)
		if rs.observedAt.After(state.ObservedAt) {
			state.ObservedAt = rs.observedAt
		}
		for _, a := range rs.agents {
			state.Agents = append(state.Agents, a)
			if a.HookBead != "" {
				state.Hooks[a.Key()] = a.HookBead
			}
		}
		for _, b := range rs.beads {
			state.Beads = append(state.Beads, b)
		}
		state.Mail = append(state.Mail, rs.mail...)
		rs.mu.RUnlock()
	}

	sort.Strings(state.Rigs)
	sort.Slice(state.Agents, func(i, j int) bool {
		return state.Agents[i].Key() < state.Agents[j].Key()
	})
	sort.Slice(state.Beads, func(i, j int) bool {
		return state.Beads[i].ID < state.Beads[j].ID
	})
	sort.Slice(state.Mail, func(i, j int) bool {
		return state.Mail[i].Timestamp.Before(state.Mail[j].Timestamp)
	})
	return state
}

// Agent returns the current state of one agent.
func (w *World) Agent(rig, name string) (model.Agent, bool) {
	w.mu.RLock()
	rs, ok := w.rigs[rig]
	w.mu.RUnlock()
	if !ok {
		return model.Agent{}, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	a, ok := rs.agents[name]
	return a, ok
}

// Bead returns the current state of one bead wherever it was observed.
func (w *World) Bead(id string) (model.Bead, bool) {
	w.mu.RLock()
	rigs := make([]*rigState, 0, len(w.rigs))
	for _, rs := range w.rigs {
		rigs = append(rigs, rs)
	}
	w.mu.RUnlock()
	for _, rs := range rigs {
		rs.mu.RLock()
		b, ok := rs.beads[id]
		rs.mu.RUnlock()
		if ok {
			return b, true
		}
	}
	return model.Bead{}, false
}

// RigBeads returns the beads currently tracked for one rig, sorted by id.
func (w *World) RigBeads(rig string) []model.Bead {
	w.mu.RLock()
	rs, ok := w.rigs[rig]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]model.Bead, 0, len(rs.beads))
	for _, b := range rs.beads {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Activity counts agents by activity bucket for the metrics sampler.
func (w *World) Activity() model.AgentActivity {
	var act model.AgentActivity
	for _, a := range w.State().Agents {
		switch a.Status {
		case model.StatusRunning:
			act.Active++
		case model.StatusIdle:
			act.Idle++
		case model.StatusError:
			act.Error++
		}
		if a.HookBead != "" {
			act.Hooked++
		}
	}
	return act
}

// scrubPreview trims and whitespace-normalizes a mail preview before it is
// broadcast to clients.
func scrubPreview(preview string) string {
	preview = strings.Join(strings.Fields(preview), " ")
	if len(preview) > 200 {
		preview = preview[:197] + "..."
	}
	return preview
}
