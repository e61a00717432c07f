package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"possync/internal/domain"
	apperrors "possync/internal/errors"
	"possync/internal/protocol"
)

type StatusQueue interface {
	EnqueueStatusChange(ctx context.Context, orderNumber, status, notes string) (domain.SyncQueueItem, error)
	GetOrder(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error)
}

// ChangeStatusUseCase moves an order through the kitchen workflow: local
// status, a queued cloud action and a broadcast to the room.
type ChangeStatusUseCase struct {
	queue          StatusQueue
	publisher      Publisher
	logger         *zap.Logger
	forwardTimeout time.Duration
}

func NewChangeStatusUseCase(queue StatusQueue, publisher Publisher, logger *zap.Logger) *ChangeStatusUseCase {
	return &ChangeStatusUseCase{
		queue:          queue,
		publisher:      publisher,
		logger:         logger,
		forwardTimeout: defaultForwardTimeout,
	}
}

func (uc *ChangeStatusUseCase) ChangeStatus(ctx context.Context, orderNumber, status, notes string) (*domain.OfflineOrder, error) {
	if !domain.ValidOrderStatus(status) {
		return nil, apperrors.NewValidationError("invalid status", apperrors.ValidationDetail{
			Field:   "status",
			Message: "status must be one of pending, preparing, ready, completed, cancelled",
		})
	}

	item, err := uc.queue.EnqueueStatusChange(ctx, orderNumber, status, notes)
	if err != nil {
		return nil, err
	}

	order, err := uc.queue.GetOrder(ctx, orderNumber)
	if err != nil {
		return nil, err
	}

	update := protocol.StatusUpdate{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		OutletID:    order.OutletID,
		TenantID:    order.TenantID,
		Status:      order.Status,
		UpdatedAt:   order.UpdatedAt,
	}
	go forward(uc.publisher, uc.logger, uc.forwardTimeout, outboundStatusEvent(status), orderNumber, update)

	uc.logger.Info("order status changed",
		zap.String("orderNumber", orderNumber),
		zap.String("status", status),
		zap.String("itemId", item.ID))
	return order, nil
}

func outboundStatusEvent(status string) string {
	switch status {
	case domain.OrderStatusCompleted:
		return protocol.EventCompleteOrder
	case domain.OrderStatusCancelled:
		return protocol.EventCancelOrder
	}
	return protocol.EventUpdateStatus
}
