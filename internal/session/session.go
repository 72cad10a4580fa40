// Package session manages WebSocket connections between the orchestrator
// and its peers (robots and admin consoles). All writes to a connection
// funnel through a single writer goroutine; all reads happen on a single
// reader goroutine, so the gorilla connection never sees concurrent access.
package session

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casarerpa/core/internal/protocol"
)

const (
	// pongWait is the time allowed to read the next pong.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second
	// writeWait is the time allowed for a single write.
	writeWait = 10 * time.Second

	maxMsgSize = 16 << 20
	sendBuffer = 256
)

// Handle is the narrow surface other components hold on a live session.
type Handle interface {
	ID() string
	RemoteAddr() string
	// Send encodes and enqueues a message. It fails when the session is
	// closed or the outbound buffer is full; it never blocks.
	Send(msg any) error
	// SendTimeout blocks up to d for buffer space before failing.
	SendTimeout(msg any, d time.Duration) error
	Close(reason string)
}

// Hooks receive session lifecycle and inbound traffic. OnMessage runs on
// the session's reader goroutine; long handlers stall the session.
type Hooks struct {
	OnMessage    func(s *Session, msgType protocol.MsgType, payload []byte)
	OnDisconnect func(s *Session)
}

// Session is one live WebSocket connection.
type Session struct {
	id    string
	conn  *websocket.Conn
	hooks Hooks

	send chan []byte
	done chan struct{}
	once sync.Once
}

// New wraps an upgraded connection and starts its pumps.
func New(conn *websocket.Conn, hooks Hooks) *Session {
	s := &Session{
		id:    uuid.NewString(),
		conn:  conn,
		hooks: hooks,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	go s.writePump()
	go s.readPump()
	return s
}

// ID returns the session id assigned at accept time.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Send implements Handle.
func (s *Session) Send(msg any) error {
	frame, err := s.encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s is closed", s.id)
	default:
		return fmt.Errorf("session %s send buffer full", s.id)
	}
}

// SendTimeout implements Handle.
func (s *Session) SendTimeout(msg any, d time.Duration) error {
	frame, err := s.encode(msg)
	if err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s is closed", s.id)
	case <-timer.C:
		return fmt.Errorf("session %s send timed out after %s", s.id, d)
	}
}

func (s *Session) encode(msg any) ([]byte, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Close tears the session down exactly once.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
		slog.Info("[Session] closed", "session_id", s.id, "reason", reason)
		if s.hooks.OnDisconnect != nil {
			s.hooks.OnDisconnect(s)
		}
	})
}

// writePump owns all writes to the connection, including pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close("write pump exit")
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				slog.Warn("[Session] write failed", "session_id", s.id, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("[Session] ping failed", "session_id", s.id, "error", err)
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns all reads. Unknown message types are logged and ignored,
// never fatal to the session.
func (s *Session) readPump() {
	defer s.Close("read pump exit")

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[Session] read error", "session_id", s.id, "error", err)
			}
			return
		}

		payload, err := protocol.ReadFrame(bytes.NewReader(data))
		if err != nil {
			slog.Warn("[Session] malformed frame dropped", "session_id", s.id, "error", err)
			continue
		}

		msgType, err := protocol.Peek(payload)
		if err != nil {
			slog.Warn("[Session] untyped message dropped", "session_id", s.id, "error", err)
			continue
		}

		if s.hooks.OnMessage != nil {
			s.hooks.OnMessage(s, msgType, payload)
		}
	}
}
