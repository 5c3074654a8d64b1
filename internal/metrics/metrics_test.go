package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/statedir"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(nil, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestStats(t *testing.T) {
	tests := []struct {
		name          string
		values        []float64
		avg, p50, p95 float64
	}{
		{"empty", nil, 0, 0, 0},
		{"single", []float64{100}, 100, 100, 100},
		{"even spread", []float64{10, 20, 30, 40}, 25, 20, 40},
		{
			"outlier dominates p95",
			[]float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 500},
			59, 10, 500,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avg, p50, p95 := stats(tt.values)
			if avg != tt.avg || p50 != tt.p50 || p95 != tt.p95 {
				t.Errorf("stats = (%v, %v, %v), want (%v, %v, %v)",
					avg, p50, p95, tt.avg, tt.p50, tt.p95)
			}
		})
	}
}

func TestFlushFoldsAndResets(t *testing.T) {
	c := newCollector(t)
	c.ObservePoll(100*time.Millisecond, nil)
	c.ObservePoll(300*time.Millisecond, nil)
	c.ObservePoll(0, context.DeadlineExceeded)
	c.ObserveEvents(7)

	s := c.Flush(t0)
	if s.SuccessfulPolls != 2 || s.FailedPolls != 1 {
		t.Errorf("polls = %d/%d", s.SuccessfulPolls, s.FailedPolls)
	}
	if s.EventVolume != 7 {
		t.Errorf("eventVolume = %d", s.EventVolume)
	}
	if s.PollDurationAvg != 200 {
		t.Errorf("avg = %v", s.PollDurationAvg)
	}

	// The minute's accumulators reset; a second flush is empty.
	s2 := c.Flush(t0.Add(time.Minute))
	if s2.EventVolume != 0 || s2.SuccessfulPolls != 0 || s2.FailedPolls != 0 {
		t.Errorf("second flush = %+v", s2)
	}

	latest, ok := c.Latest()
	if !ok || !latest.Timestamp.Equal(s2.Timestamp) {
		t.Errorf("Latest = %+v ok=%v", latest, ok)
	}
}

func TestFlushSamplesActivityAndConnections(t *testing.T) {
	c, err := NewCollector(nil,
		func() model.AgentActivity { return model.AgentActivity{Active: 2, Idle: 1, Error: 1} },
		func() int { return 3 },
		zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.ObservePoll(50*time.Millisecond, nil)

	s := c.Flush(t0)
	if s.AgentActivity.Active != 2 || s.WSConnections != 3 {
		t.Errorf("sample = %+v", s)
	}
	// One error agent out of four halves the error factor: 100 * (1 - 0.5/4).
	if s.HealthScore != 87.5 {
		t.Errorf("healthScore = %v, want 87.5", s.HealthScore)
	}
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		name   string
		sample model.MetricsSample
		want   float64
	}{
		{"no data is perfect", model.MetricsSample{}, 100},
		{
			"poll failures scale down",
			model.MetricsSample{SuccessfulPolls: 3, FailedPolls: 1},
			75,
		},
		{
			"all agents erroring halves the score",
			model.MetricsSample{
				SuccessfulPolls: 10,
				AgentActivity:   model.AgentActivity{Error: 4},
			},
			50,
		},
		{
			"combined factors",
			model.MetricsSample{
				SuccessfulPolls: 1, FailedPolls: 1,
				AgentActivity: model.AgentActivity{Active: 1, Error: 1},
			},
			37.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := healthScore(tt.sample); got != tt.want {
				t.Errorf("healthScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHistoryWindow(t *testing.T) {
	c := newCollector(t)
	for i := 0; i < 5; i++ {
		c.Flush(t0.Add(time.Duration(i) * time.Minute))
	}

	got := c.History(t0.Add(time.Minute), t0.Add(3*time.Minute))
	if len(got) != 3 {
		t.Fatalf("window = %d samples, want 3", len(got))
	}
	if all := c.History(time.Time{}, time.Time{}); len(all) != 5 {
		t.Errorf("unbounded = %d samples, want 5", len(all))
	}
}

func TestSummarize(t *testing.T) {
	c := newCollector(t)
	c.ObservePoll(100*time.Millisecond, nil)
	c.ObserveEvents(4)
	c.Flush(t0)
	c.ObservePoll(300*time.Millisecond, nil)
	c.ObserveEvents(6)
	c.Flush(t0.Add(time.Minute))

	sum := c.Summarize(time.Time{}, time.Time{})
	if sum.Samples != 2 {
		t.Fatalf("samples = %d", sum.Samples)
	}
	if sum.EventVolume != 10 {
		t.Errorf("eventVolume = %d", sum.EventVolume)
	}
	if sum.PollDurationAvg != 200 {
		t.Errorf("avg = %v", sum.PollDurationAvg)
	}
	if sum.PollDurationP95 != 300 {
		t.Errorf("p95 = %v", sum.PollDurationP95)
	}
}

func TestReloadFromLog(t *testing.T) {
	path := t.TempDir()
	dir, err := statedir.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c, err := NewCollector(dir, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c.ObservePoll(100*time.Millisecond, nil)
	c.Flush(time.Now().UTC())
	dir.Close()

	dir2, err := statedir.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer dir2.Close()
	c2, err := NewCollector(dir2, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c2.Latest(); !ok {
		t.Error("no samples reloaded from NDJSON log")
	}
}

func TestReloadSkipsAncientSamples(t *testing.T) {
	path := t.TempDir()
	dir, err := statedir.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()

	old, _ := time.Now().Add(-72*time.Hour).UTC().MarshalText()
	line := []byte(`{"timestamp":"` + string(old) + `","eventVolume":1}`)
	if err := dir.AppendLine(statedir.MetricsFile, line); err != nil {
		t.Fatal(err)
	}

	c, err := NewCollector(dir, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Latest(); ok {
		t.Error("sample older than retention survived reload")
	}
}
