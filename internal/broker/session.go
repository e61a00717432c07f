package broker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/protocol"
)

const (
	sendBuffer   = 64
	maxFrameSize = 1 << 20
)

type SessionState string

const (
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateDisconnected SessionState = "disconnected"
)

// Session is one WebSocket client. Its inbound events are handled one at a
// time, in arrival order; outbound envelopes go through a buffered queue
// drained by a single writer.
type Session struct {
	id          string
	conn        *websocket.Conn
	send        chan protocol.Envelope
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
	logger      *zap.Logger

	mu       sync.RWMutex
	state    SessionState
	outletID int64
	role     domain.SessionRole
}

func newSession(id string, conn *websocket.Conn, logger *zap.Logger) *Session {
	return &Session{
		id:          id,
		conn:        conn,
		send:        make(chan protocol.Envelope, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
		state:       StateConnecting,
		logger:      logger.With(zap.String("sessionId", id)),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) OutletID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outletID
}

func (s *Session) Role() domain.SessionRole {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) setOutlet(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outletID = id
}

func (s *Session) setRole(role domain.SessionRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Send queues env without blocking. A client too slow to drain its queue is
// disconnected; it will reconnect and catch up by polling.
func (s *Session) Send(env protocol.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- env:
		return true
	default:
		s.logger.Warn("send queue full, dropping session")
		s.Close()
		return false
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnected)
		close(s.done)
	})
}

// writeLoop owns every write on the connection.
func (s *Session) writeLoop(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

// readLoop hands each inbound envelope to handle and returns when the
// connection ends.
func (s *Session) readLoop(ctx context.Context, pongWait time.Duration, handle func(context.Context, *Session, protocol.Envelope)) {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if env.Event == "" {
			s.Send(errorEnvelope("", "event is required"))
			continue
		}
		handle(ctx, s, env)
	}
}

func errorEnvelope(event, message string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Event: event, Message: message})
	return env
}
