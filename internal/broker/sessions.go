package broker

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"possync/internal/config"
	"possync/internal/protocol"
)

// SessionHandler upgrades HTTP requests to broker sessions.
type SessionHandler struct {
	hub          *Hub
	dispatcher   *Dispatcher
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

func NewSessionHandler(hub *Hub, dispatcher *Dispatcher, cfg config.SessionConfig, logger *zap.Logger) *SessionHandler {
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 25 * time.Second
	}
	write := cfg.WriteTimeout
	if write <= 0 {
		write = 5 * time.Second
	}
	return &SessionHandler{
		hub:        hub,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Kitchen displays and terminals on the LAN connect from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingInterval: ping,
		writeTimeout: write,
		logger:       logger,
	}
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s := newSession(uuid.NewString(), conn, h.logger)
	h.hub.Register(s)
	go s.writeLoop(h.pingInterval, h.writeTimeout)

	s.setState(StateConnected)
	h.logger.Info("session connected", zap.String("sessionId", s.ID()), zap.String("remote", r.RemoteAddr))

	welcome, _ := protocol.NewEnvelope(protocol.EventConnected, protocol.Welcome{
		Message:   "Connected to kitchen sync broker",
		SessionID: s.ID(),
		Timestamp: time.Now().UTC(),
	})
	s.Send(welcome)

	s.readLoop(r.Context(), 2*h.pingInterval, h.dispatcher.HandleSession)

	s.Close()
	h.hub.Unregister(s)
	h.logger.Info("session disconnected",
		zap.String("sessionId", s.ID()),
		zap.String("role", string(s.Role())),
		zap.Int64("outletId", s.OutletID()))
}
