// Package relay mirrors outlet room traffic between broker nodes through
// Redis pub/sub, so sessions connected to different nodes of one site share
// their rooms.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"possync/internal/config"
	"possync/internal/protocol"
)

const channelPrefix = "possync:outlet:"

// Local is the node's own room fan-out.
type Local interface {
	Broadcast(outletID int64, env protocol.Envelope, exceptID string) int
}

type message struct {
	Origin   string            `json:"origin"`
	OutletID int64             `json:"outlet_id"`
	Envelope protocol.Envelope `json:"envelope"`
}

type Relay struct {
	client *redis.Client
	nodeID string
	local  Local
	logger *zap.Logger
}

func NewClient(cfg config.RelayConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func New(client *redis.Client, nodeID string, local Local, logger *zap.Logger) *Relay {
	return &Relay{
		client: client,
		nodeID: nodeID,
		local:  local,
		logger: logger.With(zap.String("nodeId", nodeID)),
	}
}

func Channel(outletID int64) string {
	return channelPrefix + strconv.FormatInt(outletID, 10)
}

func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Relay) Publish(ctx context.Context, outletID int64, env protocol.Envelope) error {
	payload, err := json.Marshal(message{Origin: r.nodeID, OutletID: outletID, Envelope: env})
	if err != nil {
		return fmt.Errorf("encoding relay message: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(outletID), payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", Channel(outletID), err)
	}
	return nil
}

// Run delivers messages published by other nodes to local rooms until ctx
// is cancelled. ready, when non-nil, is closed once the subscription is live.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to relay channels: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg)
		}
	}
}

func (r *Relay) deliver(msg *redis.Message) {
	var m message
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		r.logger.Warn("dropping malformed relay message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if m.Origin == r.nodeID {
		return
	}
	if m.OutletID <= 0 || !strings.HasSuffix(msg.Channel, ":"+strconv.FormatInt(m.OutletID, 10)) {
		r.logger.Warn("relay message outlet mismatch", zap.String("channel", msg.Channel))
		return
	}
	delivered := r.local.Broadcast(m.OutletID, m.Envelope, "")
	r.logger.Debug("relayed from peer",
		zap.String("origin", m.Origin),
		zap.Int64("outletId", m.OutletID),
		zap.String("event", m.Envelope.Event),
		zap.Int("delivered", delivered))
}

func (r *Relay) Close() error {
	return r.client.Close()
}
