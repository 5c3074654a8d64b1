// Package server wires the pipeline together: poller -> world -> history,
// pattern tracker, rule engine and hub, plus the REST surface the CLI and
// dashboard consume.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/alerts"
	"github.com/steveyegge/rigwatch/internal/config"
	"github.com/steveyegge/rigwatch/internal/gt"
	"github.com/steveyegge/rigwatch/internal/history"
	"github.com/steveyegge/rigwatch/internal/hub"
	"github.com/steveyegge/rigwatch/internal/metrics"
	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/pattern"
	"github.com/steveyegge/rigwatch/internal/poller"
	"github.com/steveyegge/rigwatch/internal/rules"
	"github.com/steveyegge/rigwatch/internal/statedir"
	"github.com/steveyegge/rigwatch/internal/world"
)

const (
	// requestTimeout bounds every REST handler.
	requestTimeout = 10 * time.Second

	// metricsEvery is the sampler flush cadence.
	metricsEvery = time.Minute

	// beadTickEvery drives bead_duration rule evaluation.
	beadTickEvery = 10 * time.Second
)

// Server owns every component of a running rigwatch daemon.
type Server struct {
	cfg config.Config
	log zerolog.Logger

	invoker  *gt.Invoker
	world    *world.World
	history  *history.Store
	patterns *pattern.Tracker
	rules    *rules.Store
	engine   *rules.Engine
	alerts   *alerts.Store
	metrics  *metrics.Collector
	hub      *hub.Hub
	poller   *poller.Poller
	replays  *replayRegistry
	dir      *statedir.Dir

	httpSrv *http.Server
}

// New builds a fully-wired server from configuration. The state directory
// is locked for the server's lifetime.
func New(cfg config.Config, log zerolog.Logger) (*Server, error) {
	dir, err := statedir.Open(cfg.State.Dir)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		log: log.With().Str("component", "server").Logger(),
		dir: dir,
	}

	s.invoker = gt.New(log, gt.Options{
		GTBin:     cfg.Tools.GTBin,
		BDBin:     cfg.Tools.BDBin,
		Timeout:   cfg.ExecTimeout(),
		KillGrace: cfg.KillGrace(),
	})

	s.world = world.New(log)
	if cfg.Poller.RemovalMisses > 0 {
		s.world.SetRemovalMisses(cfg.Poller.RemovalMisses)
	}
	s.history = history.NewStore()
	s.patterns = pattern.NewTracker()

	s.rules, err = rules.NewStore(dir, log)
	if err != nil {
		dir.Close()
		return nil, err
	}
	s.alerts, err = alerts.NewStore(dir, log)
	if err != nil {
		dir.Close()
		return nil, err
	}

	s.metrics, err = metrics.NewCollector(dir, s.world.Activity, func() int {
		if s.hub == nil {
			return 0
		}
		return s.hub.Connections()
	}, log)
	if err != nil {
		dir.Close()
		return nil, err
	}

	s.hub = hub.New(s.world, s.history, s.metrics, log)
	s.engine = rules.NewEngine(s.rules, s.alerts, s.hub.PublishAlert, log)

	s.poller = poller.New(s.invoker, s, log, poller.Options{
		Interval: cfg.PollInterval(),
		Workers:  cfg.Poller.Workers,
		Rigs:     cfg.Poller.Rigs,
	})
	s.hub.PollNow = s.poller.PokeNow
	s.replays = newReplayRegistry(s.history, s.hub, log)

	return s, nil
}

// Run starts every task and blocks until ctx is cancelled, then shuts
// down in order: pollers, dispatcher (drained), sessions, persistence.
func (s *Server) Run(ctx context.Context) error {
	pollCtx, stopPollers := context.WithCancel(context.Background())
	hubCtx, stopHub := context.WithCancel(context.Background())

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		s.poller.Run(pollCtx)
	}()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(hubCtx)
	}()

	go s.metricsLoop(pollCtx)
	go s.beadTickLoop(pollCtx)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
		httpErr <- s.httpSrv.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	// Shutdown order matters: no new snapshots, then drain what is
	// already queued, then drop the sessions, then persist.
	stopPollers()
	<-pollDone

	stopHub()
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.engine.Wait()
	if err := s.alerts.Persist(); err != nil {
		s.log.Error().Err(err).Msg("persisting alerts on shutdown")
	}
	if err := s.dir.Close(); err != nil {
		s.log.Error().Err(err).Msg("unlocking state dir")
	}
	s.log.Info().Msg("shutdown complete")
	return runErr
}

// ApplySnapshot is the poller sink: diff, record, match, broadcast.
func (s *Server) ApplySnapshot(snap model.Snapshot) {
	events := s.world.Apply(snap)
	s.history.RecordSnapshot(snap)

	for _, e := range events {
		e = s.history.Record(e)
		if e.Type == model.EventError || e.Type == model.EventLog {
			s.observeError(e)
		}
		s.engine.OnEvent(e)
		s.hub.PublishEvent(e)
	}
	if len(events) > 0 {
		s.metrics.ObserveEvents(len(events))
		s.hub.PublishBounds()
	}
}

// PollResult feeds the sampler and turns failures into error events.
func (s *Server) PollResult(rig string, duration time.Duration, err error) {
	s.metrics.ObservePoll(duration, err)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	e := s.history.Record(model.Event{
		Type:      model.EventError,
		Rig:       rig,
		Source:    "poller",
		Timestamp: time.Now().UTC(),
		Level:     "warning",
		Message:   err.Error(),
	})
	s.observeError(e)
	s.engine.OnEvent(e)
	s.hub.PublishEvent(e)
}

// observeError feeds the pattern tracker and logs newly-systemic patterns.
// Both log and error events count. The event's own level wins when set
// (poll failures are error events at warning level); an unlevelled error
// event tracks at error, everything else at warn.
func (s *Server) observeError(e model.Event) {
	level := "warn"
	if e.Level == "error" || (e.Level == "" && e.Type == model.EventError) {
		level = "error"
	}
	fp, systemic := s.patterns.Observe(e.Rig, e.AgentName(), e.Text(), level, e.Timestamp)
	if systemic {
		s.log.Warn().Str("fingerprint", fp).Str("rig", e.Rig).
			Msg("error pattern is now systemic")
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sample := s.metrics.Flush(now)
			s.engine.OnMetric(sample)
		}
	}
}

func (s *Server) beadTickLoop(ctx context.Context) {
	ticker := time.NewTicker(beadTickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rig := range s.world.Rigs() {
				if beads := s.world.RigBeads(rig); len(beads) > 0 {
					s.engine.OnTick(rig, beads)
				}
			}
		}
	}
}
