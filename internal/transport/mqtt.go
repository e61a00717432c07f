package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"possync/internal/config"
	"possync/internal/protocol"
)

const mqttQoS = 1

// Topics: <prefix>/outlets/<id>/up carries terminal events to the cloud,
// <prefix>/outlets/<id>/down carries cloud events to the outlet.
func UpTopic(prefix string, outletID int64) string {
	return fmt.Sprintf("%s/outlets/%d/up", prefix, outletID)
}

func DownTopic(prefix string, outletID int64) string {
	return fmt.Sprintf("%s/outlets/%d/down", prefix, outletID)
}

// MQTTChannel maps the envelope protocol onto per-outlet MQTT topics. Room
// subscription becomes a topic subscription; every other event is published
// on the outlet's up topic.
type MQTTChannel struct {
	name   string
	cfg    config.MQTTConfig
	logger *zap.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu         sync.Mutex
	client     mqtt.Client
	outletID   int64
	onEnvelope func(protocol.Envelope)
}

func NewMQTTChannel(name string, cfg config.MQTTConfig, logger *zap.Logger) *MQTTChannel {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "possync"
	}
	return &MQTTChannel{
		name:   name,
		cfg:       cfg,
		logger:    logger.With(zap.String("channel", name)),
		newClient: mqtt.NewClient,
	}
}

func (c *MQTTChannel) Name() string {
	return c.name
}

func (c *MQTTChannel) Connect(ctx context.Context, onEnvelope func(protocol.Envelope), onDisconnect func(error)) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}
	// Reconnects are driven by the transport manager.
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		c.client = nil
		c.mu.Unlock()
		onDisconnect(err)
	})

	client := c.newClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connecting to mqtt broker %s: %w", c.cfg.Broker, err)
	}

	c.mu.Lock()
	c.client = client
	c.onEnvelope = onEnvelope
	outletID := c.outletID
	c.mu.Unlock()

	if outletID > 0 {
		if err := c.subscribe(ctx, client, outletID); err != nil {
			client.Disconnect(250)
			return err
		}
	}
	return nil
}

func (c *MQTTChannel) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	client := c.client
	outletID := c.outletID
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}

	if env.Event == protocol.EventSubscribeOutlet {
		id, err := protocol.ParseSubscribeOutlet(env.Data)
		if err != nil {
			return err
		}
		if outletID > 0 && outletID != id {
			if err := waitToken(ctx, client.Unsubscribe(DownTopic(c.cfg.TopicPrefix, outletID))); err != nil {
				c.logger.Warn("mqtt unsubscribe failed", zap.Int64("outletId", outletID), zap.Error(err))
			}
		}
		c.mu.Lock()
		c.outletID = id
		c.mu.Unlock()
		return c.subscribe(ctx, client, id)
	}

	if outletID == 0 {
		return fmt.Errorf("%s: no outlet subscribed", c.name)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Event, err)
	}
	if err := waitToken(ctx, client.Publish(UpTopic(c.cfg.TopicPrefix, outletID), mqttQoS, false, payload)); err != nil {
		return fmt.Errorf("%s: publishing %s: %w", c.name, env.Event, err)
	}
	return nil
}

func (c *MQTTChannel) subscribe(ctx context.Context, client mqtt.Client, outletID int64) error {
	topic := DownTopic(c.cfg.TopicPrefix, outletID)
	token := client.Subscribe(topic, mqttQoS, func(_ mqtt.Client, msg mqtt.Message) {
		var env protocol.Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil || env.Event == "" {
			c.logger.Warn("dropping malformed mqtt message", zap.String("topic", msg.Topic()))
			return
		}
		c.mu.Lock()
		handler := c.onEnvelope
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

func (c *MQTTChannel) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
