package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/domain"
	apperrors "possync/internal/errors"
	"possync/internal/testutil"
)

func setupRepos(t *testing.T) (*SQLiteOrderRepository, *SQLiteSyncQueueRepository) {
	t.Helper()
	db, _ := testutil.SetupSQLiteDB(t)
	require.NoError(t, Migrate(context.Background(), db))
	return NewSQLiteOrderRepository(db), NewSQLiteSyncQueueRepository(db)
}

func sampleOrder(number string, createdAt time.Time) domain.OfflineOrder {
	return domain.OfflineOrder{
		ID:          "id-" + number,
		OrderNumber: number,
		OutletID:    7,
		TenantID:    1,
		StoreID:     2,
		Customer:    domain.Customer{Name: "Budi", Phone: "0812"},
		Items: []domain.OrderItem{{
			ProductID:      10,
			ProductName:    "Nasi Goreng",
			UnitPrice:      25000,
			Quantity:       2,
			Modifiers:      []domain.Modifier{{ModifierID: 3, Name: "Extra egg", Price: 5000}},
			ModifiersPrice: 5000,
			Subtotal:       60000,
		}},
		Subtotal:      60000,
		Tax:           6000,
		TotalAmount:   66000,
		PaymentMethod: "cash",
		Status:        domain.OrderStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func createItem(id, number string, ts time.Time) domain.SyncQueueItem {
	return domain.SyncQueueItem{
		ID:          id,
		Type:        domain.SyncTypeCreate,
		Priority:    domain.PriorityCritical,
		OrderNumber: number,
		Timestamp:   ts,
		MaxRetries:  3,
	}
}

func TestInsertWithQueueItem_RoundTrip(t *testing.T) {
	ctx := context.Background()
	orders, queue := setupRepos(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	order := sampleOrder("ORD-1", now)
	require.NoError(t, orders.InsertWithQueueItem(ctx, order, createItem("q1", "ORD-1", now)))

	got, err := orders.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, order.Items, got.Items)
	assert.Equal(t, order.Customer, got.Customer)
	assert.Equal(t, now, got.CreatedAt)
	assert.False(t, got.Synced)
	assert.Zero(t, got.SyncAttempts)
	assert.Nil(t, got.LastSyncAttempt)

	items, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.SyncTypeCreate, items[0].Type)
	assert.Equal(t, domain.PriorityCritical, items[0].Priority)
}

func TestInsertWithQueueItem_DuplicateOrderNumber(t *testing.T) {
	ctx := context.Background()
	orders, queue := setupRepos(t)
	now := time.Now().UTC()

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))

	dup := sampleOrder("ORD-1", now)
	dup.ID = "other"
	err := orders.InsertWithQueueItem(ctx, dup, createItem("q2", "ORD-1", now))
	_, ok := apperrors.IsConflictError(err)
	assert.True(t, ok)

	items, err := queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFindByOrderNumber_NotFound(t *testing.T) {
	orders, _ := setupRepos(t)

	_, err := orders.FindByOrderNumber(context.Background(), "missing")
	_, ok := apperrors.IsNotFoundError(err)
	assert.True(t, ok)
}

func TestListUnsynced_AndMarkSynced(t *testing.T) {
	ctx := context.Background()
	orders, _ := setupRepos(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-2", base.Add(time.Minute)), createItem("q2", "ORD-2", base)))
	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", base), createItem("q1", "ORD-1", base)))

	unsynced, err := orders.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, "ORD-1", unsynced[0].OrderNumber)

	require.NoError(t, orders.MarkSynced(ctx, "ORD-1", base.Add(time.Hour)))

	unsynced, err = orders.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "ORD-2", unsynced[0].OrderNumber)

	err = orders.MarkSynced(ctx, "missing", base)
	_, ok := apperrors.IsNotFoundError(err)
	assert.True(t, ok)
}

func TestRecordSyncFailure(t *testing.T) {
	ctx := context.Background()
	orders, _ := setupRepos(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))
	require.NoError(t, orders.RecordSyncFailure(ctx, "ORD-1", "timeout", now))

	got, err := orders.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Equal(t, "timeout", got.LastError)
	require.NotNil(t, got.LastSyncAttempt)
	assert.Equal(t, now, *got.LastSyncAttempt)
}

func TestUpdateStatus_IgnoresOlderChanges(t *testing.T) {
	ctx := context.Background()
	orders, _ := setupRepos(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))

	applied, err := orders.UpdateStatus(ctx, "ORD-1", domain.OrderStatusReady, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = orders.UpdateStatus(ctx, "ORD-1", domain.OrderStatusPreparing, now)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := orders.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReady, got.Status)
	assert.Equal(t, 25000.0, got.Items[0].UnitPrice)

	_, err = orders.UpdateStatus(ctx, "missing", domain.OrderStatusReady, now)
	_, ok := apperrors.IsNotFoundError(err)
	assert.True(t, ok)
}

func TestUpdateStatusWithQueueItem_StoresBoth(t *testing.T) {
	ctx := context.Background()
	orders, queue := setupRepos(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))

	change := domain.SyncQueueItem{
		ID:          "q2",
		Type:        domain.SyncTypeStatusChange,
		Priority:    domain.PriorityHigh,
		OrderNumber: "ORD-1",
		Payload:     []byte(`{"action":"ready"}`),
		Timestamp:   now.Add(time.Minute),
		MaxRetries:  3,
	}
	applied, err := orders.UpdateStatusWithQueueItem(ctx, domain.OrderStatusReady, change)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := orders.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusReady, got.Status)

	items, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestUpdateStatusWithQueueItem_FailedInsertKeepsStatus(t *testing.T) {
	ctx := context.Background()
	orders, queue := setupRepos(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))

	// q1 is taken, so the queue insert fails.
	change := domain.SyncQueueItem{
		ID:          "q1",
		Type:        domain.SyncTypeStatusChange,
		Priority:    domain.PriorityHigh,
		OrderNumber: "ORD-1",
		Timestamp:   now.Add(time.Minute),
		MaxRetries:  3,
	}
	applied, err := orders.UpdateStatusWithQueueItem(ctx, domain.OrderStatusReady, change)
	require.Error(t, err)
	assert.False(t, applied)

	got, err := orders.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, got.Status)
	assert.True(t, got.UpdatedAt.Equal(now))

	items, err := queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.SyncTypeCreate, items[0].Type)
}

func TestUpdateStatusWithQueueItem_StaleChangeQueuesNothing(t *testing.T) {
	ctx := context.Background()
	orders, queue := setupRepos(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))
	applied, err := orders.UpdateStatus(ctx, "ORD-1", domain.OrderStatusCompleted, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = orders.UpdateStatusWithQueueItem(ctx, domain.OrderStatusReady, domain.SyncQueueItem{
		ID:          "q2",
		Type:        domain.SyncTypeStatusChange,
		Priority:    domain.PriorityHigh,
		OrderNumber: "ORD-1",
		Timestamp:   now.Add(time.Minute),
		MaxRetries:  3,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	items, err := queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = orders.UpdateStatusWithQueueItem(ctx, domain.OrderStatusReady, domain.SyncQueueItem{
		ID: "q3", Type: domain.SyncTypeStatusChange, OrderNumber: "missing", Timestamp: now,
	})
	_, ok := apperrors.IsNotFoundError(err)
	assert.True(t, ok)
}

func TestUpdateDetailsWithQueueItem(t *testing.T) {
	ctx := context.Background()
	orders, queue := setupRepos(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", now), createItem("q1", "ORD-1", now)))

	qris := "qris"
	err := orders.UpdateDetailsWithQueueItem(ctx, nil, &qris, domain.SyncQueueItem{
		ID:          "q2",
		Type:        domain.SyncTypeUpdate,
		Priority:    domain.PriorityNormal,
		OrderNumber: "ORD-1",
		Payload:     []byte(`{"payment_method":"qris"}`),
		Timestamp:   now.Add(time.Minute),
		MaxRetries:  3,
	})
	require.NoError(t, err)

	got, err := orders.FindByOrderNumber(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "qris", got.PaymentMethod)
	assert.Equal(t, "Budi", got.Customer.Name)
	assert.Equal(t, 66000.0, got.TotalAmount)
	assert.True(t, got.UpdatedAt.Equal(now))

	items, err := queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	err = orders.UpdateDetailsWithQueueItem(ctx, &domain.Customer{Name: "Sari"}, nil, domain.SyncQueueItem{
		ID: "q3", Type: domain.SyncTypeUpdate, OrderNumber: "missing", Timestamp: now,
	})
	_, ok := apperrors.IsNotFoundError(err)
	assert.True(t, ok)

	items, err = queue.List(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStatsAndPurge(t *testing.T) {
	ctx := context.Background()
	orders, _ := setupRepos(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-1", old), createItem("q1", "ORD-1", old)))
	require.NoError(t, orders.InsertWithQueueItem(ctx, sampleOrder("ORD-2", old), createItem("q2", "ORD-2", old)))
	require.NoError(t, orders.MarkSynced(ctx, "ORD-1", old))
	for i := 0; i < 4; i++ {
		require.NoError(t, orders.RecordSyncFailure(ctx, "ORD-2", "boom", old))
	}

	stats, err := orders.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.SyncedOrders)
	assert.Equal(t, 1, stats.PendingOrders)
	assert.Equal(t, 1, stats.FailedSyncs)
	assert.Equal(t, 2, stats.SyncQueueSize)

	purged, err := orders.PurgeSynced(ctx, old.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = orders.FindByOrderNumber(ctx, "ORD-2")
	assert.NoError(t, err)
}
