package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates the event union. The set is closed: frames with
// an unlisted type are rejected at the boundary instead of forwarded.
type EventType string

const (
	EventAgentAdded   EventType = "agent_added"
	EventAgentRemoved EventType = "agent_removed"
	EventAgentStatus  EventType = "agent_status_change"
	EventHookChange   EventType = "hooks:updated"
	EventBeadStatus   EventType = "bead_status_change"
	EventMail         EventType = "mail"
	EventGT           EventType = "gt_event"
	EventFeed         EventType = "feed"
	EventLog          EventType = "log"
	EventError        EventType = "error"
)

var knownEventTypes = map[EventType]bool{
	EventAgentAdded:   true,
	EventAgentRemoved: true,
	EventAgentStatus:  true,
	EventHookChange:   true,
	EventBeadStatus:   true,
	EventMail:         true,
	EventGT:           true,
	EventFeed:         true,
	EventLog:          true,
	EventError:        true,
}

// KnownEventType reports whether t is a member of the event union.
func KnownEventType(t EventType) bool {
	return knownEventTypes[t]
}

// AgentChange is the payload for agent_added, agent_removed and
// agent_status_change events. From/To are empty for add/remove.
type AgentChange struct {
	Name string      `json:"name"`
	Role Role        `json:"role,omitempty"`
	From AgentStatus `json:"from,omitempty"`
	To   AgentStatus `json:"to,omitempty"`
}

// HookChange is the payload for hooks:updated events.
type HookChange struct {
	Name     string `json:"name"`
	PrevBead string `json:"prevBead,omitempty"`
	NewBead  string `json:"newBead,omitempty"`
}

// BeadChange is the payload for bead_status_change events.
type BeadChange struct {
	BeadID   string `json:"beadId"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Priority string `json:"priority,omitempty"`
}

// Event is one entry in the fleet event stream. Exactly one payload pointer
// is set, matching Type. Seq is assigned by the history store in record
// order and is unique across rigs.
type Event struct {
	Seq       uint64    `json:"seq,omitempty"`
	Type      EventType `json:"type"`
	Rig       string    `json:"rig,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Agent   *AgentChange `json:"agent,omitempty"`
	Hook    *HookChange  `json:"hook,omitempty"`
	Bead    *BeadChange  `json:"bead,omitempty"`
	Mail    *Mail        `json:"mail,omitempty"`
	Message string       `json:"message,omitempty"`
	Level   string       `json:"level,omitempty"`
}

// ParseEvent decodes a JSON event and rejects unknown types.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("parsing event: %w", err)
	}
	if !KnownEventType(e.Type) {
		return Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	return e, nil
}

// Text returns the human-readable message of the event, used by pattern
// matching rules. For structured variants this is a stable rendering of
// the payload.
func (e Event) Text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Agent != nil:
		return fmt.Sprintf("%s %s %s -> %s", e.Type, e.Agent.Name, e.Agent.From, e.Agent.To)
	case e.Hook != nil:
		return fmt.Sprintf("hook %s %s -> %s", e.Hook.Name, e.Hook.PrevBead, e.Hook.NewBead)
	case e.Bead != nil:
		return fmt.Sprintf("bead %s %s -> %s", e.Bead.BeadID, e.Bead.From, e.Bead.To)
	case e.Mail != nil:
		return e.Mail.Subject
	}
	return string(e.Type)
}

// AgentName returns the agent the event concerns, if any.
func (e Event) AgentName() string {
	switch {
	case e.Agent != nil:
		return e.Agent.Name
	case e.Hook != nil:
		return e.Hook.Name
	case e.Source != "":
		return e.Source
	}
	return ""
}
