package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long we tolerate radio silence from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound client frames.
	maxMessageSize = 64 * 1024

	// sessionQueueSize is the per-session outbound buffer. Overflow drops
	// frames for that session only.
	sessionQueueSize = 256
)

// Session is one connected dashboard client.
type Session struct {
	ID       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	username string
	color    string

	// view and subscription state, guarded by the hub's lock.
	viewRig   string
	viewAgent string
	subRig    string // "" means all rigs

	dropped     atomic.Int64
	needsResync atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// trySend pushes a frame without blocking. A full queue drops the frame,
// bumps the drop counter and flags the session for a resync hint.
func (s *Session) trySend(data []byte) bool {
	defer func() {
		// Close can race the channel send; a send on the closed channel
		// just counts as a failed delivery.
		_ = recover()
	}()

	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.dropped.Add(1)
		s.needsResync.Store(true)
		return false
	}
}

// close shuts the outbound queue exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
}

// user returns the session's presence record. Caller holds the hub lock.
func (s *Session) user() presenceUser {
	return presenceUser{
		SessionID: s.ID,
		Username:  s.username,
		Color:     s.color,
		ViewRig:   s.viewRig,
		ViewAgent: s.viewAgent,
	}
}

// readPump consumes client frames until the connection dies, then
// unregisters the session.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug().Err(err).Str("session", s.ID).Msg("unexpected close")
			}
			return
		}
		s.hub.handleClientFrame(s, data)
	}
}

// writePump serializes all writes to the connection, including pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
