// Package metrics aggregates pipeline health into per-minute samples: poll
// durations, event volume, socket connections, agent activity and a derived
// health score. Samples are kept for 48 hours and appended to an NDJSON log
// rotated daily.
package metrics

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/statedir"
)

// retention is how long samples stay in memory.
const retention = 48 * time.Hour

// Collector accumulates raw observations for the current minute and folds
// them into samples on Flush.
type Collector struct {
	mu        sync.Mutex
	durations []float64 // poll durations, ms
	events    int
	polls     int
	failures  int

	samples []model.MetricsSample // oldest first
	dir     *statedir.Dir
	rotated string // date of the current NDJSON file
	log     zerolog.Logger

	activity    func() model.AgentActivity
	connections func() int
}

// NewCollector loads retained samples back from the NDJSON log so trends
// survive a restart. activity and connections are sampled at flush time.
func NewCollector(dir *statedir.Dir, activity func() model.AgentActivity, connections func() int, log zerolog.Logger) (*Collector, error) {
	c := &Collector{
		dir:         dir,
		log:         log.With().Str("component", "metrics").Logger(),
		activity:    activity,
		connections: connections,
		rotated:     time.Now().UTC().Format("2006-01-02"),
	}
	if dir == nil {
		return c, nil
	}
	cutoff := time.Now().Add(-retention)
	err := dir.ReadNDJSON(statedir.MetricsFile, func(line []byte) error {
		var s model.MetricsSample
		if err := json.Unmarshal(line, &s); err != nil {
			return nil // tolerate a truncated or stale line
		}
		if s.Timestamp.After(cutoff) {
			c.samples = append(c.samples, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ObservePoll records the outcome of one poll cycle.
func (c *Collector) ObservePoll(duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if err != nil {
		c.failures++
		return
	}
	c.durations = append(c.durations, float64(duration.Milliseconds()))
}

// ObserveEvents counts events emitted by the diff engine.
func (c *Collector) ObserveEvents(n int) {
	c.mu.Lock()
	c.events += n
	c.mu.Unlock()
}

// Flush folds the accumulated minute into a sample, appends it to the log
// and returns it. Called by the periodic metrics task.
func (c *Collector) Flush(now time.Time) model.MetricsSample {
	c.mu.Lock()
	s := model.MetricsSample{
		Timestamp:       now.UTC(),
		EventVolume:     c.events,
		SuccessfulPolls: c.polls - c.failures,
		FailedPolls:     c.failures,
	}
	s.PollDurationAvg, s.PollDurationP50, s.PollDurationP95 = stats(c.durations)
	c.durations = c.durations[:0]
	c.events = 0
	c.polls = 0
	c.failures = 0
	c.mu.Unlock()

	if c.activity != nil {
		s.AgentActivity = c.activity()
	}
	if c.connections != nil {
		s.WSConnections = c.connections()
	}
	s.HealthScore = healthScore(s)

	c.mu.Lock()
	c.samples = append(c.samples, s)
	cutoff := now.Add(-retention)
	trim := 0
	for trim < len(c.samples) && c.samples[trim].Timestamp.Before(cutoff) {
		trim++
	}
	c.samples = c.samples[trim:]
	c.mu.Unlock()

	c.append(s)
	return s
}

// History returns samples within [start, end], oldest first. Zero bounds
// mean unbounded.
func (c *Collector) History(start, end time.Time) []model.MetricsSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MetricsSample, 0, len(c.samples))
	for _, s := range c.samples {
		if !start.IsZero() && s.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && s.Timestamp.After(end) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Summary aggregates a window into a single synthetic sample.
type Summary struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Samples         int       `json:"samples"`
	PollDurationAvg float64   `json:"pollDurationMsAvg"`
	PollDurationP95 float64   `json:"pollDurationMsP95"`
	EventVolume     int       `json:"eventVolume"`
	SuccessfulPolls int       `json:"successfulPolls"`
	FailedPolls     int       `json:"failedPolls"`
	HealthScore     float64   `json:"healthScore"`
}

// Summarize folds the samples in [start, end] into one aggregate.
func (c *Collector) Summarize(start, end time.Time) Summary {
	samples := c.History(start, end)
	sum := Summary{Start: start, End: end, Samples: len(samples)}
	if len(samples) == 0 {
		return sum
	}
	var avg, p95, health float64
	for _, s := range samples {
		avg += s.PollDurationAvg
		p95 = math.Max(p95, s.PollDurationP95)
		health += s.HealthScore
		sum.EventVolume += s.EventVolume
		sum.SuccessfulPolls += s.SuccessfulPolls
		sum.FailedPolls += s.FailedPolls
	}
	sum.PollDurationAvg = avg / float64(len(samples))
	sum.PollDurationP95 = p95
	sum.HealthScore = health / float64(len(samples))
	return sum
}

// Latest returns the most recent sample, if any.
func (c *Collector) Latest() (model.MetricsSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		return model.MetricsSample{}, false
	}
	return c.samples[len(c.samples)-1], true
}

func (c *Collector) append(s model.MetricsSample) {
	if c.dir == nil {
		return
	}
	today := s.Timestamp.Format("2006-01-02")
	if today != c.rotated {
		if err := c.dir.Rotate(statedir.MetricsFile, c.rotated); err != nil {
			c.log.Error().Err(err).Msg("rotating metrics log")
		}
		c.rotated = today
	}
	line, err := json.Marshal(s)
	if err != nil {
		c.log.Error().Err(err).Msg("encoding metrics sample")
		return
	}
	if err := c.dir.AppendLine(statedir.MetricsFile, line); err != nil {
		c.log.Error().Err(err).Msg("appending metrics sample")
	}
}

// stats computes avg, p50 and p95 over the minute's durations.
func stats(values []float64) (avg, p50, p95 float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return sum / float64(len(sorted)), percentile(sorted, 0.50), percentile(sorted, 0.95)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// healthScore blends poll success rate and agent error pressure into a
// single 0-100 gauge.
func healthScore(s model.MetricsSample) float64 {
	score := 100.0

	if total := s.SuccessfulPolls + s.FailedPolls; total > 0 {
		score *= float64(s.SuccessfulPolls) / float64(total)
	}
	agents := s.AgentActivity.Active + s.AgentActivity.Idle + s.AgentActivity.Error
	if agents > 0 && s.AgentActivity.Error > 0 {
		score *= 1 - 0.5*float64(s.AgentActivity.Error)/float64(agents)
	}
	return math.Round(score*10) / 10
}
