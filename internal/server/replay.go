package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/history"
	"github.com/steveyegge/rigwatch/internal/hub"
	"github.com/steveyegge/rigwatch/internal/model"
)

var errReplayNotFound = errors.New("replay job not found")

// replayFrameDelay paces reconstructed states so clients can animate them.
const replayFrameDelay = 50 * time.Millisecond

// ReplayStatus is a replay job's lifecycle state.
type ReplayStatus string

const (
	ReplayPending ReplayStatus = "pending"
	ReplayRunning ReplayStatus = "running"
	ReplayDone    ReplayStatus = "done"
	ReplayFailed  ReplayStatus = "failed"
)

// ReplayJob is one requested history replay.
type ReplayJob struct {
	ID         string       `json:"id"`
	Start      time.Time    `json:"start"`
	End        time.Time    `json:"end"`
	Status     ReplayStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	Frames     int          `json:"frames"`
	Error      string       `json:"error,omitempty"`
}

// replayRegistry holds replay jobs and steps them through the hub.
type replayRegistry struct {
	mu      sync.Mutex
	jobs    map[string]*ReplayJob
	history *history.Store
	hub     *hub.Hub
	log     zerolog.Logger
}

func newReplayRegistry(h *history.Store, b *hub.Hub, log zerolog.Logger) *replayRegistry {
	return &replayRegistry{
		jobs:    make(map[string]*ReplayJob),
		history: h,
		hub:     b,
		log:     log.With().Str("component", "replay").Logger(),
	}
}

// create registers a pending job over a time window. When seqs are given
// instead, the window is the span of those events.
func (r *replayRegistry) create(start, end time.Time, seqs []uint64) (ReplayJob, error) {
	if len(seqs) > 0 {
		span, ok := r.seqSpan(seqs)
		if !ok {
			return ReplayJob{}, history.ErrOutOfHistory
		}
		start, end = span.Start, span.End
	}
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return ReplayJob{}, errors.New("replay window requires start <= end")
	}

	job := &ReplayJob{
		ID:        uuid.NewString(),
		Start:     start,
		End:       end,
		Status:    ReplayPending,
		CreatedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return *job, nil
}

func (r *replayRegistry) seqSpan(seqs []uint64) (history.Bounds, bool) {
	want := make(map[uint64]struct{}, len(seqs))
	for _, s := range seqs {
		want[s] = struct{}{}
	}
	var span history.Bounds
	found := false
	for _, e := range r.history.Events() {
		if _, ok := want[e.Seq]; !ok {
			continue
		}
		if !found || e.Timestamp.Before(span.Start) {
			span.Start = e.Timestamp
		}
		if !found || e.Timestamp.After(span.End) {
			span.End = e.Timestamp
		}
		found = true
	}
	return span, found
}

// list returns jobs newest first.
func (r *replayRegistry) list() []ReplayJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ReplayJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// start runs a pending job asynchronously: reconstructed states stream to
// every connected client as timeline frames.
func (r *replayRegistry) start(id string) (ReplayJob, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ReplayJob{}, errReplayNotFound
	}
	if job.Status == ReplayRunning {
		r.mu.Unlock()
		return *job, nil // already underway; starting twice is a no-op
	}
	now := time.Now().UTC()
	job.Status = ReplayRunning
	job.StartedAt = &now
	snapshot := *job
	r.mu.Unlock()

	go r.run(id)
	return snapshot, nil
}

func (r *replayRegistry) run(id string) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	start, end := job.Start, job.End
	r.mu.Unlock()

	events := r.history.EventsBetween(start, end, nil)
	stamps := distinctStamps(events)

	frames := 0
	var failure error
	for _, ts := range stamps {
		state, err := r.history.StateAt(ts)
		if err != nil {
			failure = err
			break
		}
		r.hub.PublishTimelineState(ts, state)
		frames++
		time.Sleep(replayFrameDelay)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok = r.jobs[id]
	if !ok {
		return
	}
	job.Frames = frames
	job.FinishedAt = &now
	if failure != nil {
		job.Status = ReplayFailed
		job.Error = failure.Error()
		r.log.Warn().Err(failure).Str("job", id).Msg("replay failed")
		return
	}
	job.Status = ReplayDone
	r.log.Info().Str("job", id).Int("frames", frames).Msg("replay finished")
}

// distinctStamps collapses events sharing a timestamp into one frame.
func distinctStamps(events []model.Event) []time.Time {
	var out []time.Time
	for _, e := range events {
		if len(out) == 0 || !out[len(out)-1].Equal(e.Timestamp) {
			out = append(out, e.Timestamp)
		}
	}
	return out
}
