package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"fxdesk/internal/domain"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// clientMessage is the only inbound frame the gateway understands.
type clientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type ackMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsSession is one client websocket. Outbound frames go through a bounded
// buffer drained by a single writer goroutine, so Send never blocks.
type wsSession struct {
	id        string
	accountID string
	conn      *websocket.Conn
	send      chan []byte

	mu     sync.Mutex
	closed bool
}

func newSession(id, accountID string, conn *websocket.Conn, buffer int) *wsSession {
	return &wsSession{
		id:        id,
		accountID: accountID,
		conn:      conn,
		send:      make(chan []byte, buffer),
	}
}

func (s *wsSession) ID() string        { return s.id }
func (s *wsSession) AccountID() string { return s.accountID }

// Send queues msg for the writer. A full buffer drops the frame.
func (s *wsSession) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return domain.ErrSessionSlow
	}
}

func (s *wsSession) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode session message", slog.String("session", s.id), slog.Any("error", err))
		return
	}
	if err := s.Send(payload); err != nil {
		slog.Debug("Session reply dropped", slog.String("session", s.id), slog.Any("error", err))
	}
}

// close stops the writer. Safe to call more than once.
func (s *wsSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// writePump is the only goroutine that writes to the connection.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Debug("Session write failed", slog.String("session", s.id), slog.Any("error", err))
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

// readPump parses client frames and hands them to handle until the
// connection fails or the client goes away.
func (s *wsSession) readPump(handle func(clientMessage)) {
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
				slog.Debug("Session read failed", slog.String("session", s.id), slog.Any("error", err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendJSON(errorMessage{Type: "error", Message: "malformed message"})
			continue
		}
		handle(msg)
	}
}
