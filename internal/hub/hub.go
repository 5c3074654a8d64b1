// Package hub fans the event pipeline out to connected dashboard clients
// over WebSocket. Producers publish into one bounded channel; a single
// dispatcher delivers to per-session queues, dropping to slow clients only.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/alerts"
	"github.com/steveyegge/rigwatch/internal/history"
	"github.com/steveyegge/rigwatch/internal/metrics"
	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/world"
)

// broadcastQueueSize bounds the central channel. When the dispatcher falls
// behind, producers block here so memory stays bounded.
const broadcastQueueSize = 1024

// userColors is the palette cycled through as operators connect.
var userColors = []string{
	"#e06c75", "#61afef", "#98c379", "#e5c07b",
	"#c678dd", "#56b6c2", "#d19a66", "#abb2bf",
}

// outbound pairs an encoded frame with its rig filter. rig "" reaches
// every session regardless of subscription.
type outbound struct {
	rig  string
	data []byte
}

// Hub is the session registry plus the dispatcher.
type Hub struct {
	log     zerolog.Logger
	world   *world.World
	history *history.Store
	metrics *metrics.Collector

	// PollNow asks the poller for an immediate refresh of one rig
	// (or all, for ""). Set by the server before Run.
	PollNow func(rig string)

	upgrader  websocket.Upgrader
	broadcast chan outbound

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	colorIdx int
}

func New(w *world.World, h *history.Store, m *metrics.Collector, log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		world:   w,
		history: h,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		broadcast: make(chan outbound, broadcastQueueSize),
		sessions:  make(map[*Session]struct{}),
	}
}

// Run is the dispatcher loop. It owns delivery order: frames reach every
// session in the order they were published. Returns when ctx is done and
// the channel is drained.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case out := <-h.broadcast:
			h.deliver(out)
		case <-ctx.Done():
			for {
				select {
				case out := <-h.broadcast:
					h.deliver(out)
				default:
					h.closeAll()
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(out outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		if out.rig != "" && s.subRig != "" && s.subRig != out.rig {
			continue
		}
		// A pending resync hint goes out ahead of further events so the
		// client learns about the gap as soon as there is queue room.
		if s.needsResync.Load() {
			hint := marshalFrame(resyncFrame{Type: FrameResyncHint, Dropped: s.dropped.Load()})
			select {
			case s.send <- hint:
				s.needsResync.Store(false)
			default:
			}
		}
		s.trySend(out.data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		s.close()
		delete(h.sessions, s)
	}
}

// PublishEvent broadcasts one pipeline event. Blocks when the central
// channel is full, which intentionally slows the producers down.
func (h *Hub) PublishEvent(e model.Event) {
	frame := marshalFrame(eventFrame{Type: string(e.Type), Event: e})
	h.broadcast <- outbound{rig: e.Rig, data: frame}
}

// PublishAlert broadcasts a fired alert to every session.
func (h *Hub) PublishAlert(a alerts.Alert) {
	h.broadcast <- outbound{data: marshalFrame(alertFrame{Type: FrameAlert, Alert: a})}
}

// PublishTimelineState pushes a reconstructed state to every session.
// Replay jobs use this to animate history for all connected clients.
func (h *Hub) PublishTimelineState(ts time.Time, state world.FleetState) {
	h.broadcast <- outbound{data: marshalFrame(timelineStateFrame{
		Type:      FrameTimelineState,
		Timestamp: ts,
		State:     state,
	})}
}

// PublishBounds announces that the retained history window moved.
func (h *Hub) PublishBounds() {
	b, ok := h.history.Bounds()
	if !ok {
		return
	}
	frame := marshalFrame(boundsFrame{
		Type:    FrameTimelineBound,
		Bounds:  b,
		Markers: h.history.Markers(),
	})
	h.broadcast <- outbound{data: frame}
}

// Connections reports how many sessions are attached.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeWS upgrades an HTTP request into a dashboard session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &Session{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sessionQueueSize),
	}

	h.mu.Lock()
	s.color = userColors[h.colorIdx%len(userColors)]
	h.colorIdx++
	s.username = fmt.Sprintf("operator-%s", s.ID[:8])
	h.sessions[s] = struct{}{}
	h.mu.Unlock()

	h.log.Info().Str("session", s.ID).Msg("client connected")

	go s.writePump()
	go s.readPump()

	s.trySend(h.initialFrame())
	h.broadcastPresence()
}

// unregister removes a dead session and announces its departure.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	h.log.Info().Str("session", s.ID).Int64("dropped", s.dropped.Load()).Msg("client disconnected")
	h.broadcastPresence()
}

// initialFrame builds the full-state frame sent on connect.
func (h *Hub) initialFrame() []byte {
	state := h.world.State()
	data := initialData{
		Rigs:   state.Rigs,
		Agents: state.Agents,
		Beads:  state.Beads,
		Hooks:  state.Hooks,
		Mail:   state.Mail,
	}
	if h.metrics != nil {
		if sample, ok := h.metrics.Latest(); ok {
			data.Metrics = &sample
		}
	}
	return marshalFrame(initialFrame{
		Type:      FrameInitial,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// broadcastPresence pushes the full user list to every session, with each
// recipient's own record attached as "you".
func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	users := make([]presenceUser, 0, len(h.sessions))
	for s := range h.sessions {
		users = append(users, s.user())
	}
	targets := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		you := s.user()
		s.trySend(marshalFrame(presenceFrame{Type: FramePresence, Users: users, You: &you}))
	}
}

// handleClientFrame dispatches one inbound frame from a session.
func (h *Hub) handleClientFrame(s *Session, data []byte) {
	f, err := parseClientFrame(data)
	if err != nil {
		s.trySend(marshalFrame(errorFrame{Type: FrameError, Kind: "ErrBadRequest", Message: err.Error()}))
		return
	}

	switch f.Type {
	case cmdPollNow:
		if h.PollNow != nil {
			h.PollNow(f.Rig)
		}

	case cmdTimelineGetState:
		state, err := h.history.StateAt(f.Timestamp)
		if err != nil {
			kind := "ErrInternal"
			if errors.Is(err, history.ErrOutOfHistory) {
				kind = "ErrOutOfHistory"
			}
			s.trySend(marshalFrame(errorFrame{Type: FrameError, Kind: kind, Message: err.Error()}))
			return
		}
		s.trySend(marshalFrame(timelineStateFrame{
			Type:      FrameTimelineState,
			Timestamp: f.Timestamp,
			State:     state,
		}))

	case cmdSetUsername:
		if f.Name == "" {
			s.trySend(marshalFrame(errorFrame{Type: FrameError, Kind: "ErrBadRequest", Message: "username required"}))
			return
		}
		h.mu.Lock()
		s.username = f.Name
		h.mu.Unlock()
		h.broadcastPresence()

	case cmdSetView:
		h.mu.Lock()
		s.viewRig = f.Rig
		s.viewAgent = f.Agent
		h.mu.Unlock()
		h.broadcastPresence()

	case cmdSubscribe:
		h.mu.Lock()
		s.subRig = f.Rig
		h.mu.Unlock()
	}
}
