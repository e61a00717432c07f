package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"possync/internal/config"
	"possync/internal/protocol"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return mqttQoS }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeMQTTClient struct {
	connectErr error

	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	published    map[string][][]byte
	handlers     map[string]mqtt.MessageHandler
	disconnected bool
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{
		published: make(map[string][][]byte),
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeMQTTClient) IsConnected() bool      { return true }
func (f *fakeMQTTClient) IsConnectionOpen() bool { return true }
func (f *fakeMQTTClient) Connect() mqtt.Token    { return doneToken{err: f.connectErr} }

func (f *fakeMQTTClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeMQTTClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload.([]byte))
	return doneToken{}
}

func (f *fakeMQTTClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	f.handlers[topic] = callback
	return doneToken{}
}

func (f *fakeMQTTClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}

func (f *fakeMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	for _, topic := range topics {
		delete(f.handlers, topic)
	}
	return doneToken{}
}

func (f *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (f *fakeMQTTClient) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()
	handler(f, fakeMessage{topic: topic, payload: payload})
}

type capturedOptions struct {
	opts *mqtt.ClientOptions
}

func newTestMQTTChannel(client *fakeMQTTClient) (*MQTTChannel, *capturedOptions) {
	ch := NewMQTTChannel("central", config.MQTTConfig{Broker: "tcp://broker:1883", TopicPrefix: "site"}, zap.NewNop())
	captured := &capturedOptions{}
	ch.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		captured.opts = opts
		return client
	}
	return ch, captured
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "site/outlets/7/up", UpTopic("site", 7))
	assert.Equal(t, "site/outlets/7/down", DownTopic("site", 7))
}

func TestMQTTChannel_SendBeforeConnect(t *testing.T) {
	ch, _ := newTestMQTTChannel(newFakeMQTTClient())
	env, err := protocol.NewEnvelope(protocol.EventNewOrder, map[string]string{"order_number": "ORD-1"})
	require.NoError(t, err)

	err = ch.Send(context.Background(), env)

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMQTTChannel_ConnectFailure(t *testing.T) {
	client := newFakeMQTTClient()
	client.connectErr = errors.New("not authorized")
	ch, _ := newTestMQTTChannel(client)

	err := ch.Connect(context.Background(), func(protocol.Envelope) {}, func(error) {})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestMQTTChannel_SubscribeOutletMovesTopic(t *testing.T) {
	client := newFakeMQTTClient()
	ch, _ := newTestMQTTChannel(client)
	ctx := context.Background()
	require.NoError(t, ch.Connect(ctx, func(protocol.Envelope) {}, func(error) {}))

	sub7, _ := protocol.NewEnvelope(protocol.EventSubscribeOutlet, map[string]int64{"outlet_id": 7})
	sub9, _ := protocol.NewEnvelope(protocol.EventSubscribeOutlet, map[string]int64{"outlet_id": 9})
	require.NoError(t, ch.Send(ctx, sub7))
	require.NoError(t, ch.Send(ctx, sub9))

	assert.Equal(t, []string{"site/outlets/7/down", "site/outlets/9/down"}, client.subscribed)
	assert.Equal(t, []string{"site/outlets/7/down"}, client.unsubscribed)
	assert.Empty(t, client.published)
}

func TestMQTTChannel_PublishesAndReceivesOnOutletTopics(t *testing.T) {
	client := newFakeMQTTClient()
	ch, _ := newTestMQTTChannel(client)
	ctx := context.Background()

	received := make(chan protocol.Envelope, 2)
	require.NoError(t, ch.Connect(ctx, func(env protocol.Envelope) { received <- env }, func(error) {}))

	order, _ := protocol.NewEnvelope(protocol.EventNewOrder, map[string]string{"order_number": "ORD-1"})
	err := ch.Send(ctx, order)
	require.Error(t, err, "publishing before an outlet is chosen has no topic")

	sub, _ := protocol.NewEnvelope(protocol.EventSubscribeOutlet, map[string]int64{"outlet_id": 7})
	require.NoError(t, ch.Send(ctx, sub))
	require.NoError(t, ch.Send(ctx, order))
	require.Len(t, client.published["site/outlets/7/up"], 1)
	assert.Contains(t, string(client.published["site/outlets/7/up"][0]), `"event":"new_order"`)

	client.deliver("site/outlets/7/down", []byte(`not json`))
	client.deliver("site/outlets/7/down", []byte(`{"event":"order_updated","data":{"order_number":"ORD-1"}}`))

	select {
	case env := <-received:
		assert.Equal(t, protocol.EventOrderUpdated, env.Event)
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}
	assert.Empty(t, received)
}

func TestMQTTChannel_ReconnectResubscribesAndLossClearsClient(t *testing.T) {
	client := newFakeMQTTClient()
	ch, opts := newTestMQTTChannel(client)
	ctx := context.Background()

	var lost error
	require.NoError(t, ch.Connect(ctx, func(protocol.Envelope) {}, func(err error) { lost = err }))
	sub, _ := protocol.NewEnvelope(protocol.EventSubscribeOutlet, map[string]int64{"outlet_id": 7})
	require.NoError(t, ch.Send(ctx, sub))

	opts.opts.OnConnectionLost(client, errors.New("keepalive timeout"))
	require.EqualError(t, lost, "keepalive timeout")
	assert.ErrorIs(t, ch.Send(ctx, sub), ErrNotConnected)

	require.NoError(t, ch.Connect(ctx, func(protocol.Envelope) {}, func(error) {}))
	assert.Equal(t, []string{"site/outlets/7/down", "site/outlets/7/down"}, client.subscribed)
}
