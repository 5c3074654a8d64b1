// Package poller drives the snapshot pipeline: one loop per rig invokes the
// external tools, assembles a Snapshot and hands it downstream in strict
// observedAt order. Failures back off per rig without touching the others.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/gt"
	"github.com/steveyegge/rigwatch/internal/model"
)

const (
	// DefaultInterval is the steady-state poll cadence per rig.
	DefaultInterval = 5 * time.Second

	// DefaultWorkers bounds concurrent per-agent status fetches per rig.
	DefaultWorkers = 8

	// maxBackoff caps the failure back-off.
	maxBackoff = 60 * time.Second

	// backoffFactor grows the interval on each consecutive failure.
	backoffFactor = 1.5

	// discoverEvery is how often the rig list is re-read.
	discoverEvery = 30 * time.Second
)

// Sink consumes completed snapshots and poll outcomes.
type Sink interface {
	ApplySnapshot(snap model.Snapshot)
	PollResult(rig string, duration time.Duration, err error)
}

// Options tunes a Poller. Zero values pick the defaults.
type Options struct {
	Interval time.Duration
	Workers  int
	Rigs     []string // static rig list; empty enables discovery via rig ls
}

// Poller supervises the per-rig loops.
type Poller struct {
	inv  *gt.Invoker
	sink Sink
	log  zerolog.Logger

	interval time.Duration
	workers  int
	static   []string

	mu    sync.Mutex
	loops map[string]*rigLoop

	wg sync.WaitGroup
}

// rigLoop is one rig's poll state.
type rigLoop struct {
	rig    string
	poke   chan struct{} // cap 1: pending refresh requests coalesce
	cancel context.CancelFunc
}

func New(inv *gt.Invoker, sink Sink, log zerolog.Logger, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Poller{
		inv:      inv,
		sink:     sink,
		log:      log.With().Str("component", "poller").Logger(),
		interval: opts.Interval,
		workers:  opts.Workers,
		static:   opts.Rigs,
		loops:    make(map[string]*rigLoop),
	}
}

// Run supervises rig discovery and the per-rig loops until ctx is done,
// then waits for every in-flight poll to finish.
func (p *Poller) Run(ctx context.Context) {
	p.reconcile(ctx)

	ticker := time.NewTicker(discoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.reconcile(ctx)
		}
	}
}

// PokeNow requests an immediate refresh. rig "" pokes every rig. Multiple
// pokes while a poll is in flight collapse into one.
func (p *Poller) PokeNow(rig string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, loop := range p.loops {
		if rig != "" && rig != name {
			continue
		}
		select {
		case loop.poke <- struct{}{}:
		default:
		}
	}
}

// Rigs returns the rigs currently being polled, sorted.
func (p *Poller) Rigs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.loops))
	for name := range p.loops {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// reconcile matches running loops against the current rig list.
func (p *Poller) reconcile(ctx context.Context) {
	rigs := p.static
	if len(rigs) == 0 {
		discovered, err := p.inv.ListRigs(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("rig discovery failed")
			return
		}
		rigs = discovered
	}

	want := make(map[string]struct{}, len(rigs))
	for _, r := range rigs {
		want[r] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rig := range rigs {
		if _, ok := p.loops[rig]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		loop := &rigLoop{rig: rig, poke: make(chan struct{}, 1), cancel: cancel}
		p.loops[rig] = loop
		p.wg.Add(1)
		go p.runRig(loopCtx, loop)
		p.log.Info().Str("rig", rig).Msg("polling rig")
	}
	for name, loop := range p.loops {
		if _, ok := want[name]; !ok {
			loop.cancel()
			delete(p.loops, name)
			p.log.Info().Str("rig", name).Msg("rig gone, stopping loop")
		}
	}
}

// runRig is one rig's poll loop with adaptive back-off. Snapshots leave
// this goroutine in strict observedAt order because polls never overlap.
func (p *Poller) runRig(ctx context.Context, loop *rigLoop) {
	defer p.wg.Done()

	interval := p.interval
	timer := time.NewTimer(0) // poll immediately on start
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-loop.poke:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		start := time.Now()
		snap, err := p.pollOnce(ctx, loop.rig)
		duration := time.Since(start)
		p.sink.PollResult(loop.rig, duration, err)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			interval = time.Duration(float64(interval) * backoffFactor)
			if interval > maxBackoff {
				interval = maxBackoff
			}
			p.log.Warn().Err(err).Str("rig", loop.rig).
				Dur("next_poll_in", interval).Msg("poll failed, backing off")
		} else {
			interval = p.interval
			p.sink.ApplySnapshot(snap)
		}
		timer.Reset(interval)
	}
}

// pollOnce assembles one snapshot: agent list, then per-agent status and
// hooked beads through the bounded pool, then the recent mail window.
func (p *Poller) pollOnce(ctx context.Context, rig string) (model.Snapshot, error) {
	observed := time.Now().UTC()

	polecats, err := p.inv.ListPolecats(ctx, rig)
	if err != nil {
		return model.Snapshot{}, err
	}

	statuses := forEach(ctx, polecats, p.workers,
		func(ctx context.Context, pc gt.PolecatInfo) (*gt.PolecatInfo, error) {
			return p.inv.PolecatStatus(ctx, rig, pc.Name)
		})

	snap := model.Snapshot{Rig: rig, ObservedAt: observed}
	hooked := make(map[string]struct{})
	for _, res := range statuses {
		info := res.value
		if res.err != nil {
			// A single agent failing to report stays in the snapshot as
			// listed; its status derives from the listing data.
			p.log.Debug().Err(res.err).Str("rig", rig).
				Str("agent", res.input.Name).Msg("status fetch failed")
			info = &res.input
		}
		agent := model.Agent{
			Rig:            rig,
			Name:           info.Name,
			SessionRunning: info.SessionRunning,
			State:          info.State,
			HookBead:       info.HookBead,
		}
		snap.Agents = append(snap.Agents, agent)
		if info.HookBead != "" {
			hooked[info.HookBead] = struct{}{}
		}
	}

	beadIDs := make([]string, 0, len(hooked))
	for id := range hooked {
		beadIDs = append(beadIDs, id)
	}
	sort.Strings(beadIDs)
	beads := forEach(ctx, beadIDs, p.workers,
		func(ctx context.Context, id string) (*model.Bead, error) {
			return p.inv.ShowBead(ctx, id)
		})
	for _, res := range beads {
		if res.err != nil {
			p.log.Debug().Err(res.err).Str("rig", rig).
				Str("bead", res.input).Msg("bead fetch failed")
			continue
		}
		snap.Beads = append(snap.Beads, *res.value)
	}

	mail, err := p.inv.RecentMail(ctx, rig)
	if err != nil {
		p.log.Debug().Err(err).Str("rig", rig).Msg("mail fetch failed")
	} else {
		snap.Mail = mail
	}

	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	snap.DurationMs = time.Since(observed).Milliseconds()
	return snap, nil
}
