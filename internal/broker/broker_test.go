package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"possync/internal/broker/repository"
	"possync/internal/config"
	"possync/internal/domain"
	"possync/internal/protocol"
	"possync/internal/testutil"
)

type testBroker struct {
	server *httptest.Server
	store  *repository.Store
	hub    *Hub
}

func setupBroker(t *testing.T) *testBroker {
	t.Helper()
	db, _ := testutil.SetupSQLiteDB(t)
	store := repository.NewStore(db, repository.SQLite, 100, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))

	hub := NewHub()
	dispatcher := NewDispatcher(hub, store, zap.NewNop())
	sessions := NewSessionHandler(hub, dispatcher, config.SessionConfig{PingInterval: time.Second, WriteTimeout: time.Second}, zap.NewNop())

	r := chi.NewRouter()
	NewController(hub, dispatcher, store, zap.NewNop()).Routes(r)
	r.Get("/ws", sessions.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return &testBroker{server: srv, store: store, hub: hub}
}

func dial(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(serverURL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readEnvelope(t, conn)
	require.Equal(t, protocol.EventConnected, welcome.Event)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var env protocol.Envelope
	err := conn.ReadJSON(&env)
	require.Error(t, err, "unexpected event %q", env.Event)
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func subscribe(t *testing.T, conn *websocket.Conn, outletID int64) {
	t.Helper()
	send(t, conn, protocol.EventSubscribeOutlet, outletID)
	require.Equal(t, protocol.EventSubscribed, readEnvelope(t, conn).Event)
}

func TestBroker_NewOrderPersistsFansOutAndAcks(t *testing.T) {
	b := setupBroker(t)
	pos := dial(t, b.server.URL)
	kitchen := dial(t, b.server.URL)
	subscribe(t, pos, 7)
	subscribe(t, kitchen, 7)
	send(t, kitchen, protocol.EventIdentify, map[string]string{"type": "kitchen"})

	send(t, pos, protocol.EventNewOrder, map[string]any{"order_number": "ORD-1", "outlet_id": 7, "total_amount": 12.5})

	created := readEnvelope(t, kitchen)
	assert.Equal(t, protocol.EventOrderCreated, created.Event)
	assert.JSONEq(t, `{"order_number":"ORD-1","outlet_id":7,"total_amount":12.5}`, string(created.Data))

	ack := readEnvelope(t, pos)
	require.Equal(t, protocol.EventOrderSent, ack.Event)
	var a protocol.Ack
	require.NoError(t, json.Unmarshal(ack.Data, &a))
	assert.True(t, a.Persisted)
	assert.Equal(t, "ORD-1", a.OrderNumber)

	records, err := b.store.ListSince(context.Background(), 7, "", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, a.RecordID, records[0].ID)

	expectSilence(t, pos)
}

func TestBroker_StatusUpdateFansOutWithResolvedStatus(t *testing.T) {
	b := setupBroker(t)
	pos := dial(t, b.server.URL)
	kitchen := dial(t, b.server.URL)
	subscribe(t, pos, 7)
	subscribe(t, kitchen, 7)

	send(t, pos, protocol.EventNewOrder, map[string]any{"order_number": "ORD-2", "outlet_id": 7})
	readEnvelope(t, kitchen)
	readEnvelope(t, pos)

	send(t, kitchen, protocol.EventCompleteOrder, map[string]any{"order_number": "ORD-2", "outlet_id": 7, "notes": "done"})

	completed := readEnvelope(t, pos)
	require.Equal(t, protocol.EventOrderCompleted, completed.Event)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(completed.Data, &fields))
	assert.Equal(t, domain.OrderStatusCompleted, fields["status"])
	assert.Equal(t, "done", fields["notes"])
	assert.NotEmpty(t, fields["updated_at"])

	ack := readEnvelope(t, kitchen)
	require.Equal(t, protocol.EventStatusUpdated, ack.Event)
	var a protocol.Ack
	require.NoError(t, json.Unmarshal(ack.Data, &a))
	assert.True(t, a.Persisted)

	records, err := b.store.ListSince(context.Background(), 7, "", time.Time{}, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, records[0].Status)
}

func TestBroker_UnknownOrderStatusIsRelayedNotPersisted(t *testing.T) {
	b := setupBroker(t)
	pos := dial(t, b.server.URL)
	kitchen := dial(t, b.server.URL)
	subscribe(t, pos, 7)
	subscribe(t, kitchen, 7)

	send(t, kitchen, protocol.EventUpdateStatus, map[string]any{"order_number": "ORD-GONE", "outlet_id": 7, "status": "ready"})

	assert.Equal(t, protocol.EventOrderUpdated, readEnvelope(t, pos).Event)
	ack := readEnvelope(t, kitchen)
	var a protocol.Ack
	require.NoError(t, json.Unmarshal(ack.Data, &a))
	assert.False(t, a.Persisted)
}

func TestBroker_InvalidEventsGetErrors(t *testing.T) {
	b := setupBroker(t)
	conn := dial(t, b.server.URL)

	send(t, conn, protocol.EventNewOrder, map[string]any{"outlet_id": 7})
	assert.Equal(t, protocol.EventError, readEnvelope(t, conn).Event)

	send(t, conn, protocol.EventBroadcast, map[string]string{"text": "hi"})
	assert.Equal(t, protocol.EventError, readEnvelope(t, conn).Event)

	send(t, conn, "teleport", nil)
	errEnv := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, errEnv.Event)
	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Data, &p))
	assert.Equal(t, "teleport", p.Event)
}

func TestBroker_BroadcastReachesOthersOnly(t *testing.T) {
	b := setupBroker(t)
	a := dial(t, b.server.URL)
	other := dial(t, b.server.URL)
	elsewhere := dial(t, b.server.URL)
	subscribe(t, a, 7)
	subscribe(t, other, 7)
	subscribe(t, elsewhere, 8)

	send(t, a, protocol.EventBroadcast, map[string]string{"text": "86 the fries"})

	msg := readEnvelope(t, other)
	assert.Equal(t, protocol.EventMessage, msg.Event)
	assert.JSONEq(t, `{"text":"86 the fries"}`, string(msg.Data))
	expectSilence(t, a)
	expectSilence(t, elsewhere)
}

func TestBroker_DisconnectLeavesRoom(t *testing.T) {
	b := setupBroker(t)
	a := dial(t, b.server.URL)
	other := dial(t, b.server.URL)
	subscribe(t, a, 7)
	subscribe(t, other, 7)
	require.Equal(t, map[string]int{"outlet_7": 2}, b.hub.RoomSizes())

	a.Close()

	require.Eventually(t, func() bool {
		return b.hub.RoomSizes()["outlet_7"] == 1 && b.hub.Connections() == 1
	}, time.Second, 10*time.Millisecond)
}

type failingStore struct{}

func (failingStore) Insert(context.Context, int64, string, string, json.RawMessage) (domain.BrokerOrderRecord, bool, error) {
	return domain.BrokerOrderRecord{}, false, errors.New("disk I/O error")
}

func (failingStore) UpdateStatus(context.Context, int64, string, string) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestBroker_UnpersistedWriteIsNeitherAckedNorFannedOut(t *testing.T) {
	hub := NewHub()
	dispatcher := NewDispatcher(hub, failingStore{}, zap.NewNop())
	sessions := NewSessionHandler(hub, dispatcher, config.SessionConfig{PingInterval: time.Second, WriteTimeout: time.Second}, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/ws", sessions.ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()
	defer hub.CloseAll()

	pos := dial(t, srv.URL)
	kitchen := dial(t, srv.URL)
	subscribe(t, pos, 7)
	subscribe(t, kitchen, 7)

	send(t, pos, protocol.EventNewOrder, map[string]any{"order_number": "ORD-3", "outlet_id": 7})

	assert.Equal(t, protocol.EventError, readEnvelope(t, pos).Event)
	expectSilence(t, kitchen)
}

func TestHub_JoinMovesBetweenRooms(t *testing.T) {
	hub := NewHub()
	s := newSession("s1", nil, zap.NewNop())
	hub.Register(s)

	hub.Join(s, 7)
	hub.Join(s, 9)

	assert.Equal(t, map[string]int{"outlet_9": 1}, hub.RoomSizes())
	outlets := hub.Outlets()
	require.Len(t, outlets, 1)
	assert.Equal(t, int64(9), outlets[0].OutletID)
	assert.Equal(t, "s1", outlets[0].Clients[0].SessionID)

	hub.Unregister(s)
	assert.Empty(t, hub.RoomSizes())
	assert.Equal(t, 0, hub.Connections())
}

func TestSession_SendAfterCloseIsDropped(t *testing.T) {
	s := newSession("s1", nil, zap.NewNop())
	assert.Equal(t, StateConnecting, s.State())

	s.Close()

	assert.False(t, s.Send(protocol.Envelope{Event: protocol.EventMessage}))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestController_REST(t *testing.T) {
	b := setupBroker(t)
	ctx := context.Background()
	rec, _, err := b.store.Insert(ctx, 7, "ORD-9", domain.OrderStatusPending, json.RawMessage(`{"order_number":"ORD-9","outlet_id":7}`))
	require.NoError(t, err)

	get := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(b.server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}
	post := func(path, body string) (*http.Response, map[string]any) {
		resp, err := http.Post(b.server.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, body := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = get("/api/orders?outlet_id=7")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, rec.ID, body["latest_id"])

	resp, body = get("/api/orders?outlet_id=7&since_id=" + rec.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])

	resp, body = get("/api/orders")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])

	resp, _ = post("/api/orders/"+rec.ID+"/synced", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = post("/api/orders/nope/synced", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, body = get("/api/orders/unsynced")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])

	resp, body = get("/api/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_orders"])
	assert.Equal(t, float64(0), body["unsynced_orders"])

	resp, body = post("/emit", `{"event":"new_order","data":{"order_number":"ORD-10","outlet_id":7}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = post("/emit", `{"event":"menu_changed","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])

	resp, body = get("/outlets")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["outlets"])
}

func TestModule_ShutdownCheckpointsAndCloses(t *testing.T) {
	dir := t.TempDir()
	cfg := config.BrokerConfig{
		RetentionPerOutlet: 10,
		Store:              config.StoreConfig{Driver: "sqlite", Path: dir + "/broker.db"},
		Backup:             config.BackupConfig{Dir: dir + "/backups", Keep: 2},
	}

	m, err := NewModule(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	m.Start(context.Background())

	_, _, err = m.Store.Insert(context.Background(), 7, "ORD-1", domain.OrderStatusPending, json.RawMessage(`{"order_number":"ORD-1","outlet_id":7}`))
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Store.Ping(context.Background()))

	reopened, err := OpenStore(context.Background(), cfg.Store, 10, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	stats, err := reopened.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalOrders)
}
