package rules

import (
	"errors"
	"testing"
)

func validRule() Rule {
	return Rule{
		Name:    "stuck-agents",
		Enabled: true,
		Condition: Condition{
			Type: CondAgentStatus,
			To:   "error",
		},
		Actions: []Action{{Type: ActionToast}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Rule)
		ok     bool
	}{
		{"valid rule", func(r *Rule) {}, true},
		{"missing name", func(r *Rule) { r.Name = "" }, false},
		{"negative cooldown", func(r *Rule) { r.CooldownMs = -1 }, false},
		{"unknown severity", func(r *Rule) { r.Severity = "fatal" }, false},
		{"empty severity allowed", func(r *Rule) { r.Severity = "" }, true},
		{"no actions", func(r *Rule) { r.Actions = nil }, false},
		{"webhook without url", func(r *Rule) {
			r.Actions = []Action{{Type: ActionWebhook}}
		}, false},
		{"webhook with url", func(r *Rule) {
			r.Actions = []Action{{Type: ActionWebhook, URL: "http://localhost/hook"}}
		}, true},
		{"unknown action type", func(r *Rule) {
			r.Actions = []Action{{Type: "page"}}
		}, false},
		{"unknown condition type", func(r *Rule) {
			r.Condition = Condition{Type: "cpu_status"}
		}, false},
		{"bad agent glob", func(r *Rule) {
			r.Condition.Agent = "[unterminated"
		}, false},
		{"bead_duration missing duration", func(r *Rule) {
			r.Condition = Condition{Type: CondBeadDuration, Status: "hooked"}
		}, false},
		{"bead_duration complete", func(r *Rule) {
			r.Condition = Condition{Type: CondBeadDuration, Status: "hooked", DurationMs: 60000}
		}, true},
		{"metric_threshold bad operator", func(r *Rule) {
			r.Condition = Condition{Type: CondMetricThreshold, Metric: "healthScore", Operator: "~="}
		}, false},
		{"metric_threshold complete", func(r *Rule) {
			r.Condition = Condition{Type: CondMetricThreshold, Metric: "healthScore", Operator: "<", Threshold: 50}
		}, true},
		{"error_count missing window", func(r *Rule) {
			r.Condition = Condition{Type: CondErrorCount, Count: 3}
		}, false},
		{"event_pattern unknown event type", func(r *Rule) {
			r.Condition = Condition{Type: CondEventPattern, EventType: "meteor_strike"}
		}, false},
		{"event_pattern bad regex", func(r *Rule) {
			r.Condition = Condition{Type: CondEventPattern, Pattern: "("}
		}, false},
		{"event_pattern complete", func(r *Rule) {
			r.Condition = Condition{Type: CondEventPattern, EventType: "error", Pattern: "disk.*full"}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(&r)
			err := Validate(r)
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrBadRequest) {
					t.Errorf("error %v does not wrap ErrBadRequest", err)
				}
			}
		})
	}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule([]byte(`{
		"name": "crit-beads",
		"enabled": true,
		"condition": {"type": "bead_status", "to": "closed", "priority": "0"},
		"actions": [{"type": "log", "level": "info"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.Condition.Type != CondBeadStatus || r.Condition.Priority != "0" {
		t.Errorf("parsed condition = %+v", r.Condition)
	}

	if _, err := ParseRule([]byte(`{not json`)); !errors.Is(err, ErrBadRequest) {
		t.Errorf("malformed body: err = %v", err)
	}
	if _, err := ParseRule([]byte(`{"name":"x","condition":{"type":"nope"},"actions":[{"type":"toast"}]}`)); !errors.Is(err, ErrBadRequest) {
		t.Errorf("unknown condition type: err = %v", err)
	}
}

func TestCompileGlobWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"nux*", "nux-2", true},
		{"nux*", "slit", false},
		{"gt-*", "gt-1234", true},
	}
	for _, tt := range tests {
		g, err := compileGlob(tt.pattern)
		if err != nil {
			t.Fatalf("compileGlob(%q): %v", tt.pattern, err)
		}
		if got := matchGlob(g, tt.input); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.input, got, tt.want)
		}
	}
}
