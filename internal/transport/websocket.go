package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"possync/internal/protocol"
)

const defaultWriteTimeout = 5 * time.Second

// WebSocketChannel speaks the JSON envelope protocol over one WebSocket.
type WebSocketChannel struct {
	name   string
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewWebSocketChannel(name, url string, logger *zap.Logger) *WebSocketChannel {
	return &WebSocketChannel{
		name: name,
		url:  url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		logger: logger.With(zap.String("channel", name)),
	}
}

func (c *WebSocketChannel) Name() string {
	return c.name
}

func (c *WebSocketChannel) Connect(ctx context.Context, onEnvelope func(protocol.Envelope), onDisconnect func(error)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn, onEnvelope, onDisconnect)
	return nil
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn, onEnvelope func(protocol.Envelope), onDisconnect func(error)) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			conn.Close()
			onDisconnect(err)
			return
		}
		if env.Event == "" {
			c.logger.Debug("ignoring message without event")
			continue
		}
		onEnvelope(env)
	}
}

func (c *WebSocketChannel) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%s: sending %s: %w", c.name, env.Event, err)
	}
	return nil
}

func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}
