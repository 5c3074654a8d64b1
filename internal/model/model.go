// Package model defines the fleet data model shared by the poller, the
// world state, the history store and the wire protocol.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// nameRe is the character set allowed in rig and agent identifiers.
// Anything else is rejected before it can reach a spawned process.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether s is a safe rig or agent identifier.
func ValidName(s string) bool {
	return s != "" && nameRe.MatchString(s)
}

// Role identifies what kind of agent occupies a session.
type Role string

const (
	RoleMayor    Role = "mayor"
	RoleWitness  Role = "witness"
	RoleRefinery Role = "refinery"
	RoleCrew     Role = "crew"
	RolePolecat  Role = "polecat"
)

// RoleForName infers the agent role from its session name. Everything that
// is not one of the well-known singleton roles is a polecat.
func RoleForName(name string) Role {
	switch name {
	case "mayor":
		return RoleMayor
	case "witness":
		return RoleWitness
	case "refinery":
		return RoleRefinery
	case "crew":
		return RoleCrew
	default:
		return RolePolecat
	}
}

// AgentStatus is the derived lifecycle status of an agent.
type AgentStatus string

const (
	StatusRunning AgentStatus = "running"
	StatusIdle    AgentStatus = "idle"
	StatusStopped AgentStatus = "stopped"
	StatusError   AgentStatus = "error"
	StatusUnknown AgentStatus = "unknown"
)

// DeriveStatus maps the raw tool observation to an AgentStatus.
// A dead session is stopped regardless of reported state; a live session
// with work on the hook (or a working state) is running, otherwise idle.
func DeriveStatus(sessionRunning bool, state, hookBead string) AgentStatus {
	if !sessionRunning {
		return StatusStopped
	}
	switch state {
	case "error", "stuck":
		return StatusError
	case "working", "active":
		return StatusRunning
	}
	if hookBead != "" {
		return StatusRunning
	}
	switch state {
	case "ready", "idle", "done", "":
		return StatusIdle
	}
	return StatusIdle
}

// Agent is one worker within a rig.
type Agent struct {
	Rig            string      `json:"rig"`
	Name           string      `json:"name"`
	Role           Role        `json:"role"`
	Status         AgentStatus `json:"status"`
	SessionRunning bool        `json:"sessionRunning"`
	State          string      `json:"state,omitempty"`
	HookBead       string      `json:"hookBeadId,omitempty"`
	SessionID      string      `json:"sessionId"`
}

// SessionID builds the synthetic tmux-style session name for an agent.
func SessionID(rig, name string) string {
	return fmt.Sprintf("gt-%s-%s", rig, name)
}

// Key returns the unique identity of the agent within the fleet.
func (a Agent) Key() string {
	return a.Rig + "/" + a.Name
}

// Bead is a unit of work with a status lifecycle. Status and priority are
// opaque strings: the external tool's enums vary across versions and
// unknown values must pass through unmodified.
type Bead struct {
	ID            string       `json:"id"`
	Title         string       `json:"title,omitempty"`
	Status        string       `json:"status"`
	Priority      string       `json:"priority,omitempty"`
	Owner         string       `json:"owner,omitempty"`
	Assignee      string       `json:"assignee,omitempty"`
	DependsOn     []string     `json:"dependsOn,omitempty"`
	CreatedAt     time.Time    `json:"createdAt,omitzero"`
	UpdatedAt     time.Time    `json:"updatedAt,omitzero"`
	ClosedAt      *time.Time   `json:"closedAt,omitempty"`
	StatusHistory []StatusStep `json:"statusHistory,omitempty"`
}

// StatusStep is one entry in a status history.
type StatusStep struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// TerminalBeadStatus reports whether a bead status ends its lifecycle.
func TerminalBeadStatus(status string) bool {
	return status == "closed" || status == "done"
}

// Mail is an observed message between agents. Immutable once seen.
type Mail struct {
	Rig       string    `json:"rig"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Content   string    `json:"content,omitempty"`
	Path      string    `json:"path,omitempty"`
}

// Key identifies a mail for de-duplication. Timestamps alone are ambiguous
// when two mails land in the same instant, so the full route is included.
func (m Mail) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", m.Rig, m.From, m.To, m.Timestamp.UnixNano(), m.Path)
}

// Snapshot is the state of one rig produced by a single poll cycle.
type Snapshot struct {
	Rig        string    `json:"rig"`
	ObservedAt time.Time `json:"observedAt"`
	Agents     []Agent   `json:"agents"`
	Beads      []Bead    `json:"beads,omitempty"`
	Mail       []Mail    `json:"mail,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// AgentActivity is the per-status agent census inside a metrics sample.
type AgentActivity struct {
	Active int `json:"active"`
	Hooked int `json:"hooked"`
	Idle   int `json:"idle"`
	Error  int `json:"error"`
}

// MetricsSample is one per-minute aggregate of pipeline health.
type MetricsSample struct {
	Timestamp       time.Time     `json:"timestamp"`
	PollDurationAvg float64       `json:"pollDurationMsAvg"`
	PollDurationP50 float64       `json:"pollDurationMsP50"`
	PollDurationP95 float64       `json:"pollDurationMsP95"`
	EventVolume     int           `json:"eventVolume"`
	SuccessfulPolls int           `json:"successfulPolls"`
	FailedPolls     int           `json:"failedPolls"`
	WSConnections   int           `json:"wsConnections"`
	AgentActivity   AgentActivity `json:"agentActivity"`
	HealthScore     float64       `json:"healthScore"`
}
