// Package rules implements the user-defined alert rule engine: a closed set
// of condition types matched against the event stream, per-rule cooldowns,
// and toast/log/webhook action dispatch.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/gobwas/glob"

	"github.com/steveyegge/rigwatch/internal/model"
)

var (
	ErrNotFound   = errors.New("rule not found")
	ErrConflict   = errors.New("rule name already exists")
	ErrBadRequest = errors.New("invalid rule")
)

// Severity of alerts a rule produces.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// ConditionType discriminates the condition union. Unknown types are
// rejected at the API boundary, never stored.
type ConditionType string

const (
	CondAgentStatus     ConditionType = "agent_status"
	CondBeadStatus      ConditionType = "bead_status"
	CondBeadDuration    ConditionType = "bead_duration"
	CondMetricThreshold ConditionType = "metric_threshold"
	CondErrorCount      ConditionType = "error_count"
	CondEventPattern    ConditionType = "event_pattern"
)

// Condition is the tagged union of matchable predicates. Only the fields
// for the active Type are meaningful; empty optional fields mean "any".
type Condition struct {
	Type ConditionType `json:"type"`

	// agent_status / bead_status / error_count filters.
	Agent string `json:"agent,omitempty"` // glob
	Rig   string `json:"rig,omitempty"`   // glob
	Bead  string `json:"bead,omitempty"`  // glob
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`

	// bead_status / bead_duration.
	Priority   string `json:"priority,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// metric_threshold.
	Metric    string  `json:"metric,omitempty"`
	Operator  string  `json:"operator,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`

	// error_count.
	Count    int   `json:"count,omitempty"`
	WindowMs int64 `json:"windowMs,omitempty"`

	// event_pattern.
	EventType string `json:"eventType,omitempty"`
	Source    string `json:"source,omitempty"` // glob
	Pattern   string `json:"pattern,omitempty"`
	Level     string `json:"level,omitempty"`
}

// ActionType discriminates rule actions.
type ActionType string

const (
	ActionToast   ActionType = "toast"
	ActionLog     ActionType = "log"
	ActionWebhook ActionType = "webhook"
)

// Action is one thing a fired rule does.
type Action struct {
	Type   ActionType `json:"type"`
	Level  string     `json:"level,omitempty"`  // log
	URL    string     `json:"url,omitempty"`    // webhook
	Method string     `json:"method,omitempty"` // webhook, default POST
}

// Rule is a user-defined alert rule.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Severity    Severity  `json:"severity"`
	CooldownMs  int64     `json:"cooldownMs"`
	Condition   Condition `json:"condition"`
	Actions     []Action  `json:"actions"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

func (r Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// compiled is a rule with its globs and regex pre-built.
type compiled struct {
	Rule
	agent   glob.Glob
	rig     glob.Glob
	bead    glob.Glob
	source  glob.Glob
	pattern *regexp.Regexp
}

var validOperators = map[string]struct{}{
	"<": {}, "<=": {}, ">": {}, ">=": {}, "==": {}, "!=": {},
}

// Validate checks a rule for structural problems before it is stored.
// All errors wrap ErrBadRequest.
func Validate(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	if r.CooldownMs < 0 {
		return fmt.Errorf("%w: cooldownMs must be >= 0", ErrBadRequest)
	}
	switch r.Severity {
	case SeverityCritical, SeverityWarning, SeverityInfo, "":
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrBadRequest, r.Severity)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrBadRequest)
	}
	for _, a := range r.Actions {
		switch a.Type {
		case ActionToast, ActionLog:
		case ActionWebhook:
			if a.URL == "" {
				return fmt.Errorf("%w: webhook action requires url", ErrBadRequest)
			}
		default:
			return fmt.Errorf("%w: unknown action type %q", ErrBadRequest, a.Type)
		}
	}
	_, err := compile(r)
	return err
}

// compile validates condition fields and pre-builds the matchers.
func compile(r Rule) (*compiled, error) {
	c := &compiled{Rule: r}
	cond := r.Condition

	var err error
	if c.agent, err = compileGlob(cond.Agent); err != nil {
		return nil, fmt.Errorf("%w: agent glob: %v", ErrBadRequest, err)
	}
	if c.rig, err = compileGlob(cond.Rig); err != nil {
		return nil, fmt.Errorf("%w: rig glob: %v", ErrBadRequest, err)
	}
	if c.bead, err = compileGlob(cond.Bead); err != nil {
		return nil, fmt.Errorf("%w: bead glob: %v", ErrBadRequest, err)
	}
	if c.source, err = compileGlob(cond.Source); err != nil {
		return nil, fmt.Errorf("%w: source glob: %v", ErrBadRequest, err)
	}

	switch cond.Type {
	case CondAgentStatus, CondBeadStatus:
	case CondBeadDuration:
		if cond.Status == "" || cond.DurationMs <= 0 {
			return nil, fmt.Errorf("%w: bead_duration requires status and durationMs", ErrBadRequest)
		}
	case CondMetricThreshold:
		if cond.Metric == "" {
			return nil, fmt.Errorf("%w: metric_threshold requires metric", ErrBadRequest)
		}
		if _, ok := validOperators[cond.Operator]; !ok {
			return nil, fmt.Errorf("%w: unknown operator %q", ErrBadRequest, cond.Operator)
		}
	case CondErrorCount:
		if cond.Count <= 0 || cond.WindowMs <= 0 {
			return nil, fmt.Errorf("%w: error_count requires count and windowMs", ErrBadRequest)
		}
	case CondEventPattern:
		if cond.EventType != "" && !model.KnownEventType(model.EventType(cond.EventType)) {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrBadRequest, cond.EventType)
		}
		if cond.Pattern != "" {
			if c.pattern, err = regexp.Compile(cond.Pattern); err != nil {
				return nil, fmt.Errorf("%w: pattern: %v", ErrBadRequest, err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown condition type %q", ErrBadRequest, cond.Type)
	}
	return c, nil
}

// compileGlob treats empty and "*" as match-anything.
func compileGlob(s string) (glob.Glob, error) {
	if s == "" || s == "*" {
		return nil, nil
	}
	return glob.Compile(s)
}

func matchGlob(g glob.Glob, s string) bool {
	return g == nil || g.Match(s)
}

// ParseRule decodes and validates a rule from a request body.
func ParseRule(data []byte) (Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return Rule{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := Validate(r); err != nil {
		return Rule{}, err
	}
	return r, nil
}
