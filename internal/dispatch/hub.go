// Package dispatch delivers events to participants over their live
// websocket session. Delivery never blocks the caller: each session owns a
// bounded outbox drained by its own writer goroutine.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultBuffer = 32
)

// Result is the outcome of a single delivery attempt.
type Result int

const (
	Delivered Result = iota
	NoSuchTarget
	SendFailed
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case NoSuchTarget:
		return "no_such_target"
	case SendFailed:
		return "send_failed"
	}
	return "unknown"
}

// Sender is what the coordinator needs from the hub.
type Sender interface {
	Send(conn models.ConnID, event string, payload any) Result
}

// Envelope is the frame written to the client.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Session is one live connection. A session created without a websocket
// connection only queues frames, which callers may drain with Outbox.
type Session struct {
	ID   models.ConnID
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id models.ConnID, conn *websocket.Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Session{ID: id, conn: conn, send: make(chan []byte, buffer), done: make(chan struct{})}
}

// Outbox exposes queued frames.
func (s *Session) Outbox() <-chan []byte { return s.send }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) enqueue(frame []byte) bool {
	if s.closed() {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Hub holds the live sessions keyed by connection handle.
type Hub struct {
	mu       sync.RWMutex
	sessions map[models.ConnID]*Session
	buffer   int
	logger   *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[models.ConnID]*Session), buffer: buffer, logger: logger}
}

// Open registers a session that is not backed by a network connection.
func (h *Hub) Open(id models.ConnID) *Session {
	s := newSession(id, nil, h.buffer)
	h.add(s)
	return s
}

// Attach registers conn under id and starts its pumps. onMessage is called
// for every inbound frame from the reader goroutine. onClose runs once after
// the session is gone from the hub.
func (h *Hub) Attach(id models.ConnID, conn *websocket.Conn, onMessage func([]byte), onClose func()) *Session {
	s := newSession(id, conn, h.buffer)
	h.add(s)
	go h.writePump(s)
	go h.readPump(s, onMessage, onClose)
	return s
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	old := h.sessions[s.ID]
	h.sessions[s.ID] = s
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Remove closes and forgets the session for id.
func (h *Hub) Remove(id models.ConnID) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (h *Hub) removeIf(s *Session) {
	h.mu.Lock()
	if h.sessions[s.ID] == s {
		delete(h.sessions, s.ID)
	}
	h.mu.Unlock()
	s.Close()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Send queues one event for conn. A full outbox counts as a failed send and
// closes the session.
func (h *Hub) Send(conn models.ConnID, event string, payload any) Result {
	res := h.send(conn, event, payload)
	observability.DeliveriesTotal.WithLabelValues(event, res.String()).Inc()
	return res
}

func (h *Hub) send(conn models.ConnID, event string, payload any) Result {
	if conn == "" {
		return NoSuchTarget
	}
	h.mu.RLock()
	s, ok := h.sessions[conn]
	h.mu.RUnlock()
	if !ok {
		return NoSuchTarget
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("encode event failed", "event", event, "error", err)
		return SendFailed
	}
	if !s.enqueue(frame) {
		// slow or closed client: drop the session, the client sees the close
		h.logger.Warn("delivery dropped, closing session", "conn", conn, "event", event)
		h.removeIf(s)
		return SendFailed
	}
	return Delivered
}

// Broadcast sends the same event to every handle. Each attempt is independent.
func (h *Hub) Broadcast(conns []models.ConnID, event string, payload any) []Result {
	out := make([]Result, len(conns))
	for i, c := range conns {
		out[i] = h.Send(c, event, payload)
	}
	return out
}

// CloseAll closes every session. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[models.ConnID]*Session)
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (h *Hub) readPump(s *Session, onMessage func([]byte), onClose func()) {
	defer func() {
		h.removeIf(s)
		if onClose != nil {
			onClose()
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "conn", s.ID, "error", err)
			}
			return
		}
		if onMessage != nil {
			onMessage(msg)
		}
	}
}

func (h *Hub) writePump(s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.removeIf(s)
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Warn("websocket write failed", "conn", s.ID, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
