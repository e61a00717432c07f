// Package transport keeps the terminal connected to its real-time peers: a
// central channel (cloud, WebSocket or MQTT) and a local channel (the LAN
// broker), with REST polling against the broker when neither is up.
package transport

import (
	"context"
	"errors"

	"possync/internal/protocol"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrNoChannel    = errors.New("no real-time channel connected")
)

// Channel is one duplex link. Connect returns once the link is usable;
// onEnvelope receives every inbound message and onDisconnect fires once when
// an established link drops.
type Channel interface {
	Name() string
	Connect(ctx context.Context, onEnvelope func(protocol.Envelope), onDisconnect func(error)) error
	Send(ctx context.Context, env protocol.Envelope) error
	Close() error
}

type Mode string

const (
	ModeDual        Mode = "dual"
	ModeCentralOnly Mode = "central-only"
	ModeLocalOnly   Mode = "local-only"
	ModePolling     Mode = "polling"
	ModeNone        Mode = "none"
)

// DeriveMode maps channel health to the transport mode.
func DeriveMode(centralUp, localUp, pollingAvailable bool) Mode {
	switch {
	case centralUp && localUp:
		return ModeDual
	case centralUp:
		return ModeCentralOnly
	case localUp:
		return ModeLocalOnly
	case pollingAvailable:
		return ModePolling
	}
	return ModeNone
}
