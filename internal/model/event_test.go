package model

import (
	"encoding/json"
	"testing"
)

func TestParseEventRejectsUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"雑談","rig":"alpha"}`))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
	_, err = ParseEvent([]byte(`{"rig":"alpha"}`))
	if err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestParseEventKnownTypes(t *testing.T) {
	for _, typ := range []EventType{
		EventAgentAdded, EventAgentRemoved, EventAgentStatus, EventHookChange,
		EventBeadStatus, EventMail, EventGT, EventFeed, EventLog, EventError,
	} {
		raw, _ := json.Marshal(map[string]string{"type": string(typ), "rig": "alpha"})
		e, err := ParseEvent(raw)
		if err != nil {
			t.Errorf("ParseEvent(%s): %v", typ, err)
			continue
		}
		if e.Type != typ {
			t.Errorf("ParseEvent(%s) type = %s", typ, e.Type)
		}
	}
}

func TestEventText(t *testing.T) {
	e := Event{Type: EventAgentStatus, Rig: "alpha",
		Agent: &AgentChange{Name: "toecutter", From: StatusIdle, To: StatusRunning}}
	if e.Text() == "" {
		t.Error("status change event should render text")
	}
	if e.AgentName() != "toecutter" {
		t.Errorf("AgentName = %q", e.AgentName())
	}
}
