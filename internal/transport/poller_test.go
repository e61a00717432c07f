package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/protocol"
)

func TestPoller_TracksCursorsAndMapsStatuses(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updated := created.Add(time.Minute)

	var mu sync.Mutex
	var queries []map[string]string
	responses := [][]domain.BrokerOrderRecord{
		{
			{ID: "0001", OutletID: 7, OrderNumber: "ORD-1", Status: domain.OrderStatusPending,
				Payload: json.RawMessage(`{"order_number":"ORD-1","outlet_id":7}`), CreatedAt: created, UpdatedAt: created},
			{ID: "0002", OutletID: 7, OrderNumber: "ORD-2", Status: domain.OrderStatusPreparing,
				Payload: json.RawMessage(`{"order_number":"ORD-2","outlet_id":7}`), CreatedAt: created, UpdatedAt: created},
		},
		{
			{ID: "0001", OutletID: 7, OrderNumber: "ORD-1", Status: domain.OrderStatusCompleted,
				Payload: json.RawMessage(`{"order_number":"ORD-1","outlet_id":7}`), CreatedAt: created, UpdatedAt: updated},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		q := map[string]string{
			"outlet_id":     r.URL.Query().Get("outlet_id"),
			"since_id":      r.URL.Query().Get("since_id"),
			"updated_since": r.URL.Query().Get("updated_since"),
		}
		idx := len(queries)
		queries = append(queries, q)
		mu.Unlock()

		var orders []domain.BrokerOrderRecord
		if idx < len(responses) {
			orders = responses[idx]
		}
		json.NewEncoder(w).Encode(pollResponse{Orders: orders, Count: len(orders)})
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, time.Second, zap.NewNop())

	events, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, events, "no outlet yet")

	p.SetOutlet(7)
	events, err = p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, protocol.EventOrderCreated, events[0].Name)
	assert.Equal(t, protocol.EventOrderCreated, events[1].Name)
	assert.Equal(t, protocol.EventOrderUpdated, events[2].Name)
	assert.Equal(t, domain.OrderStatusPreparing, events[2].Update.Status)

	events, err = p.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.EventOrderCompleted, events[0].Name)
	assert.Equal(t, "ORD-1", events[0].Update.OrderNumber)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Equal(t, "7", queries[0]["outlet_id"])
	assert.Empty(t, queries[0]["since_id"])
	assert.Equal(t, "0002", queries[1]["since_id"])
	assert.Equal(t, created.Format(time.RFC3339Nano), queries[1]["updated_since"])
}

func TestPoller_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, time.Second, zap.NewNop())
	p.SetOutlet(1)

	_, err := p.Poll(context.Background())
	assert.Error(t, err)
}
