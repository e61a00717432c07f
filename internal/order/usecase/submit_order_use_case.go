package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/dto"
	apperrors "possync/internal/errors"
	"possync/internal/ids"
	"possync/internal/protocol"
)

const defaultForwardTimeout = 5 * time.Second

type OrderStore interface {
	InsertWithQueueItem(ctx context.Context, order domain.OfflineOrder, item domain.SyncQueueItem) error
	FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error)
}

// Publisher forwards events to the real-time channels. Delivery is best
// effort.
type Publisher interface {
	Publish(ctx context.Context, event string, data any) error
}

type SubmitResult struct {
	Order       domain.OfflineOrder
	Queued      bool
	AlreadySeen bool
}

type SubmitOrderUseCase struct {
	store          OrderStore
	publisher      Publisher
	logger         *zap.Logger
	maxRetries     int
	forwardTimeout time.Duration
	now            func() time.Time
}

func NewSubmitOrderUseCase(store OrderStore, publisher Publisher, logger *zap.Logger, maxRetries int) *SubmitOrderUseCase {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	return &SubmitOrderUseCase{
		store:          store,
		publisher:      publisher,
		logger:         logger,
		maxRetries:     maxRetries,
		forwardTimeout: defaultForwardTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the snapshot, persists the order together with its
// create/critical queue item and forwards new_order in the background.
// Resubmitting a known order_number returns the stored order unchanged.
func (uc *SubmitOrderUseCase) Submit(ctx context.Context, req dto.SubmitOrderRequest) (*SubmitResult, error) {
	if details := ValidateOrderSnapshot(req); len(details) > 0 {
		uc.logger.Warn("order snapshot rejected", zap.String("orderNumber", req.OrderNumber), zap.Int("violations", len(details)))
		return nil, apperrors.NewValidationError("order validation failed", details...)
	}

	if req.OrderNumber != "" {
		if existing, err := uc.store.FindByOrderNumber(ctx, req.OrderNumber); err == nil {
			uc.logger.Info("order already captured", zap.String("orderNumber", req.OrderNumber))
			return &SubmitResult{Order: *existing, AlreadySeen: true}, nil
		} else if _, ok := apperrors.IsNotFoundError(err); !ok {
			return nil, err
		}
	}

	order := ToOfflineOrder(req)
	if order.ID == "" {
		order.ID = ids.New()
	}
	if order.OrderNumber == "" {
		order.OrderNumber = ids.NewOrderNumber()
	}
	order.UpdatedAt = uc.now()
	order.Synced = false
	order.SyncAttempts = 0

	item := domain.SyncQueueItem{
		ID:          ids.New(),
		Type:        domain.SyncTypeCreate,
		Priority:    domain.PriorityCritical,
		OrderNumber: order.OrderNumber,
		Timestamp:   uc.now(),
		MaxRetries:  uc.maxRetries,
	}

	if err := uc.store.InsertWithQueueItem(ctx, order, item); err != nil {
		if _, ok := apperrors.IsConflictError(err); ok {
			existing, findErr := uc.store.FindByOrderNumber(ctx, order.OrderNumber)
			if findErr != nil {
				return nil, findErr
			}
			return &SubmitResult{Order: *existing, AlreadySeen: true}, nil
		}
		uc.logger.Error("failed to persist order", zap.String("orderNumber", order.OrderNumber), zap.Error(err))
		return nil, err
	}

	uc.logger.Info("order captured",
		zap.String("orderNumber", order.OrderNumber),
		zap.Int64("outletId", order.OutletID),
		zap.Int("itemCount", len(order.Items)),
		zap.Float64("totalAmount", order.TotalAmount))

	go uc.forward(protocol.EventNewOrder, order.OrderNumber, order)

	return &SubmitResult{Order: order, Queued: true}, nil
}

func (uc *SubmitOrderUseCase) forward(event, orderNumber string, data any) {
	forward(uc.publisher, uc.logger, uc.forwardTimeout, event, orderNumber, data)
}

func forward(publisher Publisher, logger *zap.Logger, timeout time.Duration, event, orderNumber string, data any) {
	if publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := publisher.Publish(ctx, event, data); err != nil {
		logger.Warn("forward to real-time channels failed",
			zap.String("event", event),
			zap.String("orderNumber", orderNumber),
			zap.Error(err))
	}
}
