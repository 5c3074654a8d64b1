package world

import (
	"sort"

	"github.com/steveyegge/rigwatch/internal/model"
)

// diffRig computes the event stream between the current state of rs and
// snap. Caller holds rs.mu. The emission order is fixed — agents, hooks,
// beads, mail — so rules evaluating on agent status run before the hook
// transitions caused by it. Within each group, names sort lexically to
// keep the diff a pure function of the (prev, next) pair.
func diffRig(rs *rigState, snap model.Snapshot, removalMisses int) []model.Event {
	var events []model.Event
	at := snap.ObservedAt

	next := make(map[string]model.Agent, len(snap.Agents))
	for _, a := range snap.Agents {
		next[a.Name] = normalizeAgent(a)
	}

	// Agent appearance and status changes.
	for _, name := range sortedAgentNames(next) {
		agent := next[name]
		prev, known := rs.agents[name]
		if !known {
			events = append(events, model.Event{
				Type: model.EventAgentAdded, Rig: snap.Rig, Source: name, Timestamp: at,
				Agent: &model.AgentChange{Name: name, Role: agent.Role},
			})
			if agent.Status != model.StatusUnknown && agent.Status != "" {
				events = append(events, model.Event{
					Type: model.EventAgentStatus, Rig: snap.Rig, Source: name, Timestamp: at,
					Agent: &model.AgentChange{Name: name, Role: agent.Role, From: model.StatusUnknown, To: agent.Status},
				})
			}
			continue
		}
		if prev.Status != agent.Status {
			events = append(events, model.Event{
				Type: model.EventAgentStatus, Rig: snap.Rig, Source: name, Timestamp: at,
				Agent: &model.AgentChange{Name: name, Role: agent.Role, From: prev.Status, To: agent.Status},
			})
		}
	}

	// Agent disappearance, suppressed until the agent has been absent for
	// removalMisses consecutive snapshots.
	for _, name := range sortedAgentNames(rs.agents) {
		if _, present := next[name]; present {
			continue
		}
		rs.missing[name]++
		if rs.missing[name] >= removalMisses {
			events = append(events, model.Event{
				Type: model.EventAgentRemoved, Rig: snap.Rig, Source: name, Timestamp: at,
				Agent: &model.AgentChange{Name: name, Role: rs.roles[name]},
			})
			// Counter stays at the threshold so publish drops the agent
			// instead of carrying it for another round.
			delete(rs.roles, name)
		}
	}

	// Hook transitions.
	for _, name := range sortedAgentNames(next) {
		agent := next[name]
		prev, known := rs.agents[name]
		prevHook := ""
		if known {
			prevHook = prev.HookBead
		}
		if prevHook != agent.HookBead {
			events = append(events, model.Event{
				Type: model.EventHookChange, Rig: snap.Rig, Source: name, Timestamp: at,
				Hook: &model.HookChange{Name: name, PrevBead: prevHook, NewBead: agent.HookBead},
			})
		}
	}

	// Bead lifecycle transitions.
	beadIDs := make([]string, 0, len(snap.Beads))
	byID := make(map[string]model.Bead, len(snap.Beads))
	for _, b := range snap.Beads {
		beadIDs = append(beadIDs, b.ID)
		byID[b.ID] = b
	}
	sort.Strings(beadIDs)
	for _, id := range beadIDs {
		bead := byID[id]
		prev, known := rs.beads[id]
		if known && prev.Status == bead.Status {
			continue
		}
		from := ""
		if known {
			from = prev.Status
		}
		events = append(events, model.Event{
			Type: model.EventBeadStatus, Rig: snap.Rig, Timestamp: at,
			Bead: &model.BeadChange{BeadID: id, From: from, To: bead.Status, Priority: bead.Priority},
		})
	}

	// New mail past the high-water mark, oldest first.
	fresh := make([]model.Mail, 0, len(snap.Mail))
	for _, m := range snap.Mail {
		if m.Timestamp.After(rs.mailSeen) {
			fresh = append(fresh, m)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if !fresh[i].Timestamp.Equal(fresh[j].Timestamp) {
			return fresh[i].Timestamp.Before(fresh[j].Timestamp)
		}
		return fresh[i].Key() < fresh[j].Key()
	})
	seen := make(map[string]bool, len(fresh))
	for _, m := range fresh {
		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		mail := m
		mail.Preview = scrubPreview(mail.Preview)
		events = append(events, model.Event{
			Type: model.EventMail, Rig: snap.Rig, Source: m.From, Timestamp: at,
			Mail: &mail,
		})
	}

	return events
}

func sortedAgentNames(agents map[string]model.Agent) []string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
