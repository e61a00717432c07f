package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"possync/internal/domain"
)

// Handler pushes one queue item to the cloud. Handlers must be safe to
// repeat: the same item may be sent again after a crash or a lost response.
type Handler func(ctx context.Context, item domain.SyncQueueItem) error

type CloudAPI interface {
	CreateOrderGroup(ctx context.Context, order domain.OfflineOrder) error
	UpdateOrder(ctx context.Context, orderNumber string, fields json.RawMessage) error
	KitchenAction(ctx context.Context, orderNumber, action, notes string) error
}

type OrderLookup interface {
	GetOrder(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error)
}

func DefaultHandlers(cloud CloudAPI, orders OrderLookup, logger *zap.Logger) map[domain.SyncType]Handler {
	return map[domain.SyncType]Handler{
		domain.SyncTypeCreate:       createHandler(cloud, orders, logger),
		domain.SyncTypeUpdate:       updateHandler(cloud),
		domain.SyncTypeStatusChange: statusChangeHandler(cloud),
	}
}

// createHandler sends the stored snapshot, never a recomputed one. An order
// already marked synced is not sent again.
func createHandler(cloud CloudAPI, orders OrderLookup, logger *zap.Logger) Handler {
	return func(ctx context.Context, item domain.SyncQueueItem) error {
		order, err := orders.GetOrder(ctx, item.OrderNumber)
		if err != nil {
			return err
		}
		if order.Synced {
			logger.Info("order already synced, skipping create", zap.String("orderNumber", item.OrderNumber))
			return nil
		}
		return cloud.CreateOrderGroup(ctx, *order)
	}
}

func updateHandler(cloud CloudAPI) Handler {
	return func(ctx context.Context, item domain.SyncQueueItem) error {
		if len(item.Payload) == 0 {
			return fmt.Errorf("update item %s has no payload", item.ID)
		}
		return cloud.UpdateOrder(ctx, item.OrderNumber, item.Payload)
	}
}

func statusChangeHandler(cloud CloudAPI) Handler {
	return func(ctx context.Context, item domain.SyncQueueItem) error {
		var change domain.StatusChange
		if err := json.Unmarshal(item.Payload, &change); err != nil {
			return fmt.Errorf("decoding status change %s: %w", item.ID, err)
		}
		if change.Action == "" {
			return fmt.Errorf("status change %s has no action", item.ID)
		}
		return cloud.KitchenAction(ctx, item.OrderNumber, change.Action, change.Notes)
	}
}
