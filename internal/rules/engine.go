package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/alerts"
	"github.com/steveyegge/rigwatch/internal/model"
)

// webhookAttempts caps delivery tries per webhook action; webhookRetryWait
// holds the growing wait before each retry, so a full delivery sleeps
// through the whole table.
const webhookAttempts = 3

var webhookRetryWait = []time.Duration{time.Second, 3 * time.Second}

// Engine matches events, metric samples and bead ages against the active
// rule set, enforces cooldowns, records alerts, and dispatches actions.
type Engine struct {
	store  *Store
	alerts *alerts.Store
	toast  func(alerts.Alert)
	client *http.Client
	log    zerolog.Logger

	mu         sync.Mutex
	lastFired  map[string]time.Time   // rule id -> dispatch time
	suppressed map[string]int         // rule id -> matches eaten by cooldown
	errTimes   map[string][]time.Time // rule id -> matching error event times

	wg  sync.WaitGroup
	now func() time.Time
}

// NewEngine wires the engine to its rule store and alert sink. toast is
// called for every dispatched alert so the hub can fan it out; it may be
// nil when no clients are attached.
func NewEngine(store *Store, alertStore *alerts.Store, toast func(alerts.Alert), log zerolog.Logger) *Engine {
	return &Engine{
		store:      store,
		alerts:     alertStore,
		toast:      toast,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "rules").Logger(),
		lastFired:  make(map[string]time.Time),
		suppressed: make(map[string]int),
		errTimes:   make(map[string][]time.Time),
		now:        time.Now,
	}
}

// OnEvent evaluates one event against every enabled rule.
func (e *Engine) OnEvent(ev model.Event) {
	for _, c := range e.store.active() {
		if e.matchEvent(c, ev) {
			e.fire(c, ev, ev.Text())
		}
	}
}

// OnMetric evaluates metric_threshold rules against a fresh sample.
func (e *Engine) OnMetric(sample model.MetricsSample) {
	for _, c := range e.store.active() {
		if c.Condition.Type != CondMetricThreshold {
			continue
		}
		v, ok := metricValue(sample, c.Condition.Metric)
		if !ok {
			continue
		}
		if compare(v, c.Condition.Operator, c.Condition.Threshold) {
			ctx := model.Event{
				Type:      model.EventGT,
				Source:    "metrics",
				Timestamp: sample.Timestamp,
				Message:   fmt.Sprintf("%s = %.2f %s %.2f", c.Condition.Metric, v, c.Condition.Operator, c.Condition.Threshold),
			}
			e.fire(c, ctx, ctx.Message)
		}
	}
}

// OnTick evaluates bead_duration rules. Called on a slow secondary tick;
// beads must carry their status history so entry times are known.
func (e *Engine) OnTick(rig string, beads []model.Bead) {
	now := e.now()
	for _, c := range e.store.active() {
		if c.Condition.Type != CondBeadDuration {
			continue
		}
		if !matchGlob(c.rig, rig) {
			continue
		}
		for _, b := range beads {
			if b.Status != c.Condition.Status {
				continue
			}
			entered := statusEnteredAt(b)
			if entered.IsZero() {
				continue
			}
			age := now.Sub(entered)
			if age < time.Duration(c.Condition.DurationMs)*time.Millisecond {
				continue
			}
			ctx := model.Event{
				Type:      model.EventBeadStatus,
				Rig:       rig,
				Timestamp: now,
				Bead:      &model.BeadChange{BeadID: b.ID, To: b.Status, Priority: b.Priority},
				Message:   fmt.Sprintf("bead %s has been %s for %s", b.ID, b.Status, age.Round(time.Second)),
			}
			e.fire(c, ctx, ctx.Message)
		}
	}
}

// Test reports whether a rule would match the given event, ignoring
// enabled state and cooldown. Backs the rule dry-run endpoint.
func (e *Engine) Test(r Rule, ev model.Event) (bool, error) {
	c, err := compile(r)
	if err != nil {
		return false, err
	}
	return e.matchEvent(c, ev), nil
}

// Suppressed returns how many matches a rule's cooldown has eaten.
func (e *Engine) Suppressed(ruleID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suppressed[ruleID]
}

// Wait blocks until in-flight webhook deliveries finish.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) matchEvent(c *compiled, ev model.Event) bool {
	cond := c.Condition
	switch cond.Type {
	case CondAgentStatus:
		if ev.Type != model.EventAgentStatus || ev.Agent == nil {
			return false
		}
		return matchGlob(c.agent, ev.Agent.Name) &&
			matchGlob(c.rig, ev.Rig) &&
			(cond.From == "" || cond.From == string(ev.Agent.From)) &&
			(cond.To == "" || cond.To == string(ev.Agent.To))

	case CondBeadStatus:
		if ev.Type != model.EventBeadStatus || ev.Bead == nil {
			return false
		}
		return matchGlob(c.bead, ev.Bead.BeadID) &&
			matchGlob(c.rig, ev.Rig) &&
			(cond.From == "" || cond.From == ev.Bead.From) &&
			(cond.To == "" || cond.To == ev.Bead.To) &&
			(cond.Priority == "" || cond.Priority == ev.Bead.Priority)

	case CondErrorCount:
		if ev.Type != model.EventError {
			return false
		}
		if !matchGlob(c.agent, ev.AgentName()) || !matchGlob(c.rig, ev.Rig) {
			return false
		}
		return e.recordError(c, ev.Timestamp)

	case CondEventPattern:
		if cond.EventType != "" && string(ev.Type) != cond.EventType {
			return false
		}
		if !matchGlob(c.source, ev.Source) {
			return false
		}
		if cond.Level != "" && !strings.EqualFold(cond.Level, ev.Level) {
			return false
		}
		return c.pattern == nil || c.pattern.MatchString(ev.Text())

	default:
		// bead_duration and metric_threshold never match plain events.
		return false
	}
}

// recordError tracks one matching error event and reports whether the
// trailing window now holds at least the configured count.
func (e *Engine) recordError(c *compiled, at time.Time) bool {
	window := time.Duration(c.Condition.WindowMs) * time.Millisecond

	e.mu.Lock()
	defer e.mu.Unlock()
	times := append(e.errTimes[c.ID], at)
	cutoff := at.Add(-window)
	for len(times) > 0 && times[0].Before(cutoff) {
		times = times[1:]
	}
	e.errTimes[c.ID] = times
	return len(times) >= c.Condition.Count
}

// fire applies the cooldown and, when clear, records the alert and runs
// every action. Actions are independent: one failing does not stop the rest.
func (e *Engine) fire(c *compiled, ctx model.Event, msg string) {
	now := e.now()

	e.mu.Lock()
	if last, ok := e.lastFired[c.ID]; ok && now.Sub(last) < c.Cooldown() {
		e.suppressed[c.ID]++
		e.mu.Unlock()
		return
	}
	e.lastFired[c.ID] = now
	e.mu.Unlock()

	ctxCopy := ctx
	alert := e.alerts.Add(alerts.Alert{
		RuleID:    c.ID,
		RuleName:  c.Name,
		Severity:  string(c.Severity),
		Timestamp: now,
		Context:   &ctxCopy,
		Message:   msg,
	})

	for _, a := range c.Actions {
		switch a.Type {
		case ActionToast:
			if e.toast != nil {
				e.toast(alert)
			}
		case ActionLog:
			e.logAction(c, a, msg)
		case ActionWebhook:
			e.wg.Add(1)
			go e.deliverWebhook(c.Rule, a, ctx, alert)
		}
	}
}

func (e *Engine) logAction(c *compiled, a Action, msg string) {
	lvl := zerolog.WarnLevel
	if parsed, err := zerolog.ParseLevel(a.Level); err == nil && a.Level != "" {
		lvl = parsed
	}
	e.log.WithLevel(lvl).
		Str("rule", c.Name).
		Str("severity", string(c.Severity)).
		Msg(msg)
}

// deliverWebhook posts {rule, context, alert} with up to three attempts.
// Final failure is logged and does not affect other actions.
func (e *Engine) deliverWebhook(r Rule, a Action, ctx model.Event, alert alerts.Alert) {
	defer e.wg.Done()

	body, err := json.Marshal(map[string]any{
		"rule":    r,
		"context": ctx,
		"alert":   alert,
	})
	if err != nil {
		e.log.Error().Err(err).Str("rule", r.Name).Msg("encoding webhook body")
		return
	}
	method := a.Method
	if method == "" {
		method = http.MethodPost
	}

	var lastErr error
	for attempt := 0; attempt < webhookAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(webhookRetryWait[attempt-1])
		}
		req, err := http.NewRequestWithContext(context.Background(), method, a.URL, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			break
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return
		}
		lastErr = fmt.Errorf("webhook returned %s", resp.Status)
	}
	e.log.Error().Err(lastErr).Str("rule", r.Name).Str("url", a.URL).Msg("webhook delivery failed")
}

// statusEnteredAt is when the bead last entered its current status.
func statusEnteredAt(b model.Bead) time.Time {
	for i := len(b.StatusHistory) - 1; i >= 0; i-- {
		if b.StatusHistory[i].Status == b.Status {
			return b.StatusHistory[i].At
		}
	}
	return b.UpdatedAt
}

// metricValue resolves a dotted metric path against a sample.
func metricValue(s model.MetricsSample, path string) (float64, bool) {
	switch path {
	case "pollDurationMsAvg":
		return s.PollDurationAvg, true
	case "pollDurationMsP50":
		return s.PollDurationP50, true
	case "pollDurationMsP95":
		return s.PollDurationP95, true
	case "eventVolume":
		return float64(s.EventVolume), true
	case "successfulPolls":
		return float64(s.SuccessfulPolls), true
	case "failedPolls":
		return float64(s.FailedPolls), true
	case "wsConnections":
		return float64(s.WSConnections), true
	case "healthScore":
		return s.HealthScore, true
	case "agentActivity.active":
		return float64(s.AgentActivity.Active), true
	case "agentActivity.hooked":
		return float64(s.AgentActivity.Hooked), true
	case "agentActivity.idle":
		return float64(s.AgentActivity.Idle), true
	case "agentActivity.error":
		return float64(s.AgentActivity.Error), true
	}
	return 0, false
}

func compare(v float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	}
	return false
}
