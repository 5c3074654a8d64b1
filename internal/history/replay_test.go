package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/rigwatch/internal/model"
)

// seedHistory builds a store with one rig: a base snapshot at t0 and a
// sequence of events over the following minute.
func seedHistory() *Store {
	s := NewStore()
	s.RecordSnapshot(model.Snapshot{
		Rig:        "alpha",
		ObservedAt: t0,
		Agents: []model.Agent{
			{Rig: "alpha", Name: "toecutter", Status: model.StatusIdle, SessionRunning: true},
		},
		Beads: []model.Bead{{ID: "gt-100", Status: "open"}},
	})

	s.Record(model.Event{Type: model.EventAgentStatus, Rig: "alpha", Timestamp: t0.Add(10 * time.Second),
		Agent: &model.AgentChange{Name: "toecutter", From: model.StatusIdle, To: model.StatusRunning}})
	s.Record(model.Event{Type: model.EventHookChange, Rig: "alpha", Timestamp: t0.Add(10 * time.Second),
		Hook: &model.HookChange{Name: "toecutter", PrevBead: "", NewBead: "gt-100"}})
	s.Record(model.Event{Type: model.EventBeadStatus, Rig: "alpha", Timestamp: t0.Add(10 * time.Second),
		Bead: &model.BeadChange{BeadID: "gt-100", From: "open", To: "hooked"}})
	s.Record(model.Event{Type: model.EventAgentAdded, Rig: "alpha", Timestamp: t0.Add(20 * time.Second),
		Agent: &model.AgentChange{Name: "nux", Role: model.RolePolecat}})
	s.Record(model.Event{Type: model.EventAgentStatus, Rig: "alpha", Timestamp: t0.Add(30 * time.Second),
		Agent: &model.AgentChange{Name: "toecutter", From: model.StatusRunning, To: model.StatusStopped}})
	s.Record(model.Event{Type: model.EventAgentRemoved, Rig: "alpha", Timestamp: t0.Add(40 * time.Second),
		Agent: &model.AgentChange{Name: "nux"}})
	return s
}

func TestStateAtBeforeHistory(t *testing.T) {
	s := seedHistory()
	_, err := s.StateAt(t0.Add(-time.Hour))
	if !errors.Is(err, ErrOutOfHistory) {
		t.Fatalf("err = %v, want ErrOutOfHistory", err)
	}
}

func TestStateAtBase(t *testing.T) {
	s := seedHistory()
	state, err := s.StateAt(t0)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Agents) != 1 || state.Agents[0].Status != model.StatusIdle {
		t.Fatalf("base state agents = %+v", state.Agents)
	}
	if len(state.Beads) != 1 || state.Beads[0].Status != "open" {
		t.Fatalf("base state beads = %+v", state.Beads)
	}
}

func TestStateAtFoldsForward(t *testing.T) {
	s := seedHistory()

	state, err := s.StateAt(t0.Add(15 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Agents) != 1 {
		t.Fatalf("agents = %+v", state.Agents)
	}
	a := state.Agents[0]
	if a.Status != model.StatusRunning || a.HookBead != "gt-100" {
		t.Errorf("agent at +15s = %+v", a)
	}
	if state.Hooks["alpha/toecutter"] != "gt-100" {
		t.Errorf("hooks = %v", state.Hooks)
	}
	if state.Beads[0].Status != "hooked" {
		t.Errorf("bead = %+v", state.Beads[0])
	}

	// At +25s the added agent is present.
	state, err = s.StateAt(t0.Add(25 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Agents) != 2 {
		t.Fatalf("agents at +25s = %+v", state.Agents)
	}

	// At +45s the agent was removed again and toecutter stopped, which
	// clears its hook.
	state, err = s.StateAt(t0.Add(45 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Agents) != 1 {
		t.Fatalf("agents at +45s = %+v", state.Agents)
	}
	if state.Agents[0].Status != model.StatusStopped || state.Agents[0].HookBead != "" {
		t.Errorf("stopped agent = %+v", state.Agents[0])
	}
	if _, hooked := state.Hooks["alpha/toecutter"]; hooked {
		t.Error("stopped agent still hooked")
	}
}

// Reconstruction must be a pure function of retained history: querying the
// same timestamp repeatedly, or out of order, gives identical results.
func TestStateAtDeterministic(t *testing.T) {
	s := seedHistory()
	stamps := []time.Duration{45 * time.Second, 15 * time.Second, 45 * time.Second, 25 * time.Second, 15 * time.Second}

	results := make(map[time.Duration][]byte)
	for _, d := range stamps {
		state, err := s.StateAt(t0.Add(d))
		if err != nil {
			t.Fatal(err)
		}
		repr, err := json.Marshal(state)
		if err != nil {
			t.Fatal(err)
		}
		if prev, ok := results[d]; ok && !bytes.Equal(prev, repr) {
			t.Fatalf("StateAt(+%v) not deterministic:\n%s\nvs\n%s", d, prev, repr)
		}
		results[d] = repr
	}
}
