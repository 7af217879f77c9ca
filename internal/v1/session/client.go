package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/chatrouter/engine/internal/v1/auth"
	"github.com/chatrouter/engine/internal/v1/metrics"
	"github.com/gorilla/websocket"
)

// Conn is the WebSocket connection surface a Session drives. Satisfied by
// *websocket.Conn in production; mockable in tests. Grounded on the
// teacher's wsConnection interface.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const writeWait = 10 * time.Second

// Session is a single authenticated WebSocket connection: one visitor tab or
// one staff tab. A staff identity may hold several concurrent Sessions (one
// per browser tab); a visitor identity holds at most one (enforced by the
// hub's online_visitors set).
type Session struct {
	conn Conn
	send chan []byte
	hub  *Hub

	SID      string
	Identity auth.Identity

	mu            sync.RWMutex
	rooms         map[string]bool
	orgJoined     string
	monitorJoined bool
}

func newSession(conn Conn, hub *Hub, sid string, identity auth.Identity) *Session {
	return &Session{
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      hub,
		SID:      sid,
		Identity: identity,
		rooms:    make(map[string]bool),
	}
}

func (s *Session) markRoom(visitorID string) {
	s.mu.Lock()
	s.rooms[visitorID] = true
	s.mu.Unlock()
}

func (s *Session) unmarkRoom(visitorID string) {
	s.mu.Lock()
	delete(s.rooms, visitorID)
	s.mu.Unlock()
}

func (s *Session) joinedRooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) setOrg(orgID string) {
	s.mu.Lock()
	s.orgJoined = orgID
	s.mu.Unlock()
}

func (s *Session) setMonitor(joined bool) {
	s.mu.Lock()
	s.monitorJoined = joined
	s.mu.Unlock()
}

func (s *Session) snapshot() (rooms []string, orgID string, monitor bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return rooms, s.orgJoined, s.monitorJoined
}

// push enqueues a server-to-client event, dropping it if the connection's
// buffer is full rather than blocking the hub's fan-out goroutine.
func (s *Session) push(event string, payload any) {
	data, err := json.Marshal(Message{Event: event, Payload: mustRaw(payload)})
	if err != nil {
		slog.Error("failed to encode outgoing event", "event", event, "error", err)
		return
	}
	select {
	case s.send <- data:
	default:
		slog.Warn("session send buffer full, dropping event", "sid", s.SID, "event", event)
	}
}

func mustRaw(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

// readPump decodes JSON frames off the wire and routes them to the hub.
func (s *Session) readPump() {
	defer func() {
		s.hub.onDisconnect(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("failed to decode frame", "sid", s.SID, "error", err)
			continue
		}

		ctx := context.Background()
		ack := s.hub.route(ctx, s, msg)
		s.push("ack:"+msg.Event, ack)
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for message := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
