package world

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/model"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func snapAt(rig string, offset time.Duration, agents ...model.Agent) model.Snapshot {
	return model.Snapshot{Rig: rig, ObservedAt: t0.Add(offset), Agents: agents}
}

func agent(name string, running bool, state, hook string) model.Agent {
	return model.Agent{Rig: "alpha", Name: name, SessionRunning: running, State: state, HookBead: hook}
}

func eventTypes(events []model.Event) []model.EventType {
	out := make([]model.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestFirstSnapshotAddsAgents(t *testing.T) {
	w := New(zerolog.Nop())

	events := w.Apply(snapAt("alpha", 0, agent("toecutter", true, "working", "")))
	want := []model.EventType{model.EventAgentAdded, model.EventAgentStatus}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if events[1].Agent.From != model.StatusUnknown || events[1].Agent.To != model.StatusRunning {
		t.Errorf("initial status change = %s -> %s", events[1].Agent.From, events[1].Agent.To)
	}
}

func TestIdenticalSnapshotIsSilent(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(snapAt("alpha", 0, agent("toecutter", true, "working", "gt-100")))

	events := w.Apply(snapAt("alpha", time.Second, agent("toecutter", true, "working", "gt-100")))
	if len(events) != 0 {
		t.Fatalf("identical snapshot produced %v", eventTypes(events))
	}
}

func TestOutOfOrderSnapshotDropped(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(snapAt("alpha", time.Minute, agent("toecutter", true, "", "")))

	// A snapshot observed before the current one must not rewind state.
	events := w.Apply(snapAt("alpha", 0, agent("nux", true, "", "")))
	if len(events) != 0 {
		t.Fatalf("stale snapshot produced %v", eventTypes(events))
	}
	if _, ok := w.Agent("alpha", "nux"); ok {
		t.Error("stale snapshot mutated the world")
	}
}

func TestStatusChangeClearsHookOnStop(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(snapAt("alpha", 0, agent("toecutter", true, "working", "gt-100")))

	events := w.Apply(snapAt("alpha", time.Second, agent("toecutter", false, "", "gt-100")))

	var sawStatus, sawHook bool
	for _, e := range events {
		switch e.Type {
		case model.EventAgentStatus:
			sawStatus = true
			if e.Agent.To != model.StatusStopped {
				t.Errorf("status to = %s, want stopped", e.Agent.To)
			}
		case model.EventHookChange:
			sawHook = true
			if e.Hook.NewBead != "" {
				t.Errorf("stopped agent kept hook %q", e.Hook.NewBead)
			}
		}
	}
	if !sawStatus || !sawHook {
		t.Fatalf("events = %v, want status change and hook clear", eventTypes(events))
	}

	got, _ := w.Agent("alpha", "toecutter")
	if got.HookBead != "" {
		t.Errorf("world kept hook %q on stopped agent", got.HookBead)
	}
}

func TestAgentRemovalFlapSuppression(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(snapAt("alpha", 0,
		agent("toecutter", true, "", ""),
		agent("nux", true, "", "")))

	// First absence: no removal yet, agent carried in state.
	events := w.Apply(snapAt("alpha", time.Second, agent("nux", true, "", "")))
	for _, e := range events {
		if e.Type == model.EventAgentRemoved {
			t.Fatal("agent removed after a single missing snapshot")
		}
	}
	if _, ok := w.Agent("alpha", "toecutter"); !ok {
		t.Fatal("agent dropped from state during flap window")
	}

	// Second consecutive absence: removal fires.
	events = w.Apply(snapAt("alpha", 2*time.Second, agent("nux", true, "", "")))
	found := false
	for _, e := range events {
		if e.Type == model.EventAgentRemoved && e.Agent.Name == "toecutter" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no agent_removed after two misses: %v", eventTypes(events))
	}
	if _, ok := w.Agent("alpha", "toecutter"); ok {
		t.Error("removed agent still in state")
	}

	// Removal is terminal: further snapshots without the agent emit nothing.
	for i := 3; i <= 6; i++ {
		events = w.Apply(snapAt("alpha", time.Duration(i)*time.Second, agent("nux", true, "", "")))
		for _, e := range events {
			if e.Type == model.EventAgentRemoved {
				t.Fatalf("agent_removed re-fired on snapshot %d", i)
			}
		}
	}
	if _, ok := w.Agent("alpha", "toecutter"); ok {
		t.Error("removed agent resurrected")
	}
}

func TestReappearanceResetsMissCounter(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(snapAt("alpha", 0, agent("toecutter", true, "", "")))
	w.Apply(snapAt("alpha", time.Second))                                     // miss 1
	w.Apply(snapAt("alpha", 2*time.Second, agent("toecutter", true, "", ""))) // back

	events := w.Apply(snapAt("alpha", 3*time.Second)) // miss 1 again
	for _, e := range events {
		if e.Type == model.EventAgentRemoved {
			t.Fatal("reappearance did not reset the miss counter")
		}
	}
}

func TestEmissionOrderAgentsHooksBeadsMail(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(model.Snapshot{
		Rig:        "alpha",
		ObservedAt: t0,
		Agents:     []model.Agent{agent("toecutter", true, "", "")},
		Beads:      []model.Bead{{ID: "gt-100", Status: "open"}},
	})

	snap := model.Snapshot{
		Rig:        "alpha",
		ObservedAt: t0.Add(time.Second),
		Agents:     []model.Agent{agent("toecutter", true, "working", "gt-100")},
		Beads:      []model.Bead{{ID: "gt-100", Status: "hooked"}},
		Mail: []model.Mail{{
			Rig: "alpha", From: "mayor", To: "toecutter",
			Timestamp: t0.Add(900 * time.Millisecond), Subject: "go",
		}},
	}
	events := w.Apply(snap)

	rank := map[model.EventType]int{
		model.EventAgentStatus: 0,
		model.EventHookChange:  1,
		model.EventBeadStatus:  2,
		model.EventMail:        3,
	}
	last := -1
	for _, e := range events {
		r, ok := rank[e.Type]
		if !ok {
			t.Fatalf("unexpected event %s", e.Type)
		}
		if r < last {
			t.Fatalf("emission order violated: %v", eventTypes(events))
		}
		last = r
	}
	if len(events) != 4 {
		t.Fatalf("events = %v, want status, hook, bead, mail", eventTypes(events))
	}
	for _, e := range events {
		if !e.Timestamp.Equal(snap.ObservedAt) {
			t.Errorf("event %s timestamp %v, want snapshot observedAt", e.Type, e.Timestamp)
		}
	}
}

func TestDiffDeterminism(t *testing.T) {
	build := func() []model.Event {
		w := New(zerolog.Nop())
		w.Apply(snapAt("alpha", 0,
			agent("zed", true, "", ""),
			agent("ana", true, "", ""),
			agent("mid", true, "", "")))
		return w.Apply(snapAt("alpha", time.Second,
			agent("mid", true, "working", ""),
			agent("ana", false, "", ""),
			agent("zed", true, "error", "")))
	}

	first := build()
	for i := 0; i < 10; i++ {
		again := build()
		if len(again) != len(first) {
			t.Fatalf("run %d: %d events, want %d", i, len(again), len(first))
		}
		for j := range first {
			if first[j].Type != again[j].Type || first[j].AgentName() != again[j].AgentName() {
				t.Fatalf("run %d event %d differs: %s/%s vs %s/%s",
					i, j, first[j].Type, first[j].AgentName(), again[j].Type, again[j].AgentName())
			}
		}
	}
}

func TestMailDedupAndHighWaterMark(t *testing.T) {
	w := New(zerolog.Nop())
	m1 := model.Mail{Rig: "alpha", From: "mayor", To: "nux", Timestamp: t0.Add(time.Second), Path: "p1"}
	m2 := model.Mail{Rig: "alpha", From: "mayor", To: "nux", Timestamp: t0.Add(2 * time.Second), Path: "p2"}

	events := w.Apply(model.Snapshot{Rig: "alpha", ObservedAt: t0.Add(3 * time.Second),
		Mail: []model.Mail{m1, m2, m2}})
	mails := 0
	for _, e := range events {
		if e.Type == model.EventMail {
			mails++
		}
	}
	if mails != 2 {
		t.Fatalf("mail events = %d, want 2 (duplicate suppressed)", mails)
	}

	// Same window again: all at or below the high-water mark.
	events = w.Apply(model.Snapshot{Rig: "alpha", ObservedAt: t0.Add(4 * time.Second),
		Mail: []model.Mail{m1, m2}})
	for _, e := range events {
		if e.Type == model.EventMail {
			t.Fatal("old mail re-emitted")
		}
	}
}

func TestBeadStatusHistoryAccumulates(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(model.Snapshot{Rig: "alpha", ObservedAt: t0,
		Beads: []model.Bead{{ID: "gt-100", Status: "open"}}})
	w.Apply(model.Snapshot{Rig: "alpha", ObservedAt: t0.Add(time.Second),
		Beads: []model.Bead{{ID: "gt-100", Status: "hooked"}}})
	w.Apply(model.Snapshot{Rig: "alpha", ObservedAt: t0.Add(2 * time.Second),
		Beads: []model.Bead{{ID: "gt-100", Status: "closed"}}})

	b, ok := w.Bead("gt-100")
	if !ok {
		t.Fatal("bead lost")
	}
	if len(b.StatusHistory) != 3 {
		t.Fatalf("history = %v, want 3 steps", b.StatusHistory)
	}
	if b.ClosedAt == nil || !b.ClosedAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("closedAt = %v", b.ClosedAt)
	}
}

func TestStateProjectionSorted(t *testing.T) {
	w := New(zerolog.Nop())
	w.Apply(snapAt("beta", 0, model.Agent{Rig: "beta", Name: "nux", SessionRunning: true}))
	w.Apply(snapAt("alpha", 0, agent("toecutter", true, "", "gt-100")))

	state := w.State()
	if len(state.Rigs) != 2 || state.Rigs[0] != "alpha" || state.Rigs[1] != "beta" {
		t.Fatalf("rigs = %v", state.Rigs)
	}
	if len(state.Agents) != 2 || state.Agents[0].Key() != "alpha/toecutter" {
		t.Fatalf("agents = %v", state.Agents)
	}
	if state.Hooks["alpha/toecutter"] != "gt-100" {
		t.Errorf("hooks = %v", state.Hooks)
	}
}
