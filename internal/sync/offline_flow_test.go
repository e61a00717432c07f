package sync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"possync/internal/cloud"
	"possync/internal/config"
	"possync/internal/connectivity"
	"possync/internal/domain"
	"possync/internal/dto"
	"possync/internal/order"
	syncengine "possync/internal/sync"
	"possync/internal/testutil"
)

type fakeCloud struct {
	healthy atomic.Bool

	mu              gosync.Mutex
	idempotencyKeys []string
}

func (c *fakeCloud) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if !c.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	case "/orders/groups/":
		c.mu.Lock()
		c.idempotencyKeys = append(c.idempotencyKeys, r.Header.Get("Idempotency-Key"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func (c *fakeCloud) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.idempotencyKeys...)
}

func offlineOrder() dto.SubmitOrderRequest {
	return dto.SubmitOrderRequest{
		OrderNumber: "OFFLINE-1",
		OutletID:    3,
		TenantID:    1,
		StoreID:     1,
		Items: []dto.OrderItemInput{{
			ProductID:   10,
			ProductName: "Burger",
			Price:       dto.Num(8.5),
			Quantity:    dto.Num(2),
			Modifiers:   []dto.ModifierInput{{ModifierID: 100, Name: "Cheese", Price: dto.Num(1.25)}},
			Subtotal:    dto.Num(19.5),
		}},
		Subtotal:      dto.Num(19.5),
		TotalAmount:   dto.Num(19.5),
		PaymentMethod: "cash",
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestOfflineSubmitSyncsWhenCloudReturns(t *testing.T) {
	fc := &fakeCloud{}
	srv := httptest.NewServer(fc)
	defer srv.Close()

	db, _ := testutil.SetupSQLiteDB(t)
	ctx := context.Background()
	logger := zap.NewNop()

	cfg := &config.Config{
		Cloud:        config.CloudConfig{BaseURL: srv.URL, Timeout: time.Second},
		Connectivity: config.ConnectivityConfig{Interval: time.Hour, Timeout: 500 * time.Millisecond, FailureThreshold: 1},
		Sync:         config.SyncConfig{Interval: time.Hour, ItemDelay: time.Millisecond, MaxRetries: 5},
	}

	client := cloud.NewClient(cfg.Cloud, 1, logger)
	monitor := connectivity.NewMonitor(client, cfg.Connectivity, logger)
	orders, err := order.NewModule(ctx, db, nil, cfg, logger)
	require.NoError(t, err)
	engine := syncengine.NewEngine(orders.Queue, monitor, syncengine.DefaultHandlers(client, orders.Queue, logger), cfg.Sync, logger)

	require.Equal(t, domain.ModeOffline, monitor.Check(ctx).Mode)

	result, err := orders.Submit.Submit(ctx, offlineOrder())
	require.NoError(t, err)
	assert.True(t, result.Queued)

	items, err := orders.Queue.PendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.SyncTypeCreate, items[0].Type)
	assert.Equal(t, domain.PriorityCritical, items[0].Priority)
	assert.Equal(t, "OFFLINE-1", items[0].OrderNumber)

	_, err = engine.Run(ctx)
	assert.ErrorIs(t, err, syncengine.ErrOffline)
	assert.Empty(t, fc.keys())

	fc.healthy.Store(true)
	require.Equal(t, domain.ModeOnline, monitor.Check(ctx).Mode)

	progress, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.SuccessCount)
	assert.Equal(t, 100, progress.Percentage())
	assert.Equal(t, []string{"OFFLINE-1"}, fc.keys())

	stored, err := orders.Queue.GetOrder(ctx, "OFFLINE-1")
	require.NoError(t, err)
	assert.True(t, stored.Synced)
	assert.Equal(t, 19.5, stored.Items[0].Subtotal)

	items, err = orders.Queue.PendingItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}
