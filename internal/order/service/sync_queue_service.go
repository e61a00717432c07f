package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/dto"
	apperrors "possync/internal/errors"
	"possync/internal/ids"
)

// FailedSyncThreshold is the attempt count past which an unsynced order is
// reported as failed in stats.
const FailedSyncThreshold = 3

type OrderRepository interface {
	FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error)
	ListUnsynced(ctx context.Context) ([]domain.OfflineOrder, error)
	MarkSynced(ctx context.Context, orderNumber string, at time.Time) error
	RecordSyncFailure(ctx context.Context, orderNumber, message string, at time.Time) error
	UpdateStatus(ctx context.Context, orderNumber, status string, updatedAt time.Time) (bool, error)
	UpdateStatusWithQueueItem(ctx context.Context, status string, item domain.SyncQueueItem) (bool, error)
	UpdateDetailsWithQueueItem(ctx context.Context, customer *domain.Customer, paymentMethod *string, item domain.SyncQueueItem) error
	Stats(ctx context.Context, failedAfter int) (dto.OrderStats, error)
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)
}

type SyncQueueRepository interface {
	Enqueue(ctx context.Context, item domain.SyncQueueItem) error
	List(ctx context.Context) ([]domain.SyncQueueItem, error)
	Delete(ctx context.Context, id string) error
	Complete(ctx context.Context, item domain.SyncQueueItem, at time.Time) error
	Fail(ctx context.Context, item domain.SyncQueueItem, message string, at time.Time) (int, bool, error)
	RebuildCreates(ctx context.Context, maxRetries int, newID func() string) (int, error)
}

// QueueService owns the terminal's unsynced orders and their sync queue.
type QueueService struct {
	orders     OrderRepository
	queue      SyncQueueRepository
	logger     *zap.Logger
	maxRetries int
	now        func() time.Time
}

func NewQueueService(orders OrderRepository, queue SyncQueueRepository, logger *zap.Logger, maxRetries int) *QueueService {
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	return &QueueService{
		orders:     orders,
		queue:      queue,
		logger:     logger,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *QueueService) MaxRetries() int {
	return s.maxRetries
}

func (s *QueueService) GetOrder(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error) {
	return s.orders.FindByOrderNumber(ctx, orderNumber)
}

func (s *QueueService) ListUnsynced(ctx context.Context) ([]domain.OfflineOrder, error) {
	return s.orders.ListUnsynced(ctx)
}

func (s *QueueService) MarkSynced(ctx context.Context, orderNumber string) error {
	return s.orders.MarkSynced(ctx, orderNumber, s.now())
}

func (s *QueueService) RecordSyncFailure(ctx context.Context, orderNumber, message string) error {
	return s.orders.RecordSyncFailure(ctx, orderNumber, message, s.now())
}

// DropQueueItem removes a queue item. The order stays, unsynced and visible.
func (s *QueueService) DropQueueItem(ctx context.Context, id string) error {
	if err := s.queue.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Warn("sync queue item dropped", zap.String("itemId", id))
	return nil
}

// PendingItems returns the queue in drain order.
func (s *QueueService) PendingItems(ctx context.Context) ([]domain.SyncQueueItem, error) {
	return s.queue.List(ctx)
}

func (s *QueueService) CompleteItem(ctx context.Context, item domain.SyncQueueItem) error {
	return s.queue.Complete(ctx, item, s.now())
}

// FailItem records the failure. dropped reports that the item hit its retry
// cap and is gone from the queue.
func (s *QueueService) FailItem(ctx context.Context, item domain.SyncQueueItem, cause error) (bool, error) {
	retries, dropped, err := s.queue.Fail(ctx, item, cause.Error(), s.now())
	if err != nil {
		return false, err
	}
	if dropped {
		s.logger.Error("sync item exhausted retries, dropped",
			zap.String("itemId", item.ID),
			zap.String("orderNumber", item.OrderNumber),
			zap.String("type", string(item.Type)),
			zap.Int("retries", retries),
			zap.Error(cause))
	}
	return dropped, nil
}

// EnqueueStatusChange applies the status locally and queues the kitchen
// action for the cloud, both or neither. A change older than the stored row
// is a conflict.
func (s *QueueService) EnqueueStatusChange(ctx context.Context, orderNumber, status, notes string) (domain.SyncQueueItem, error) {
	action, ok := domain.KitchenAction(status)
	if !ok {
		return domain.SyncQueueItem{}, apperrors.NewValidationError("invalid status change", apperrors.ValidationDetail{
			Field:   "status",
			Message: fmt.Sprintf("status %q has no kitchen action", status),
		})
	}

	now := s.now()
	payload, err := json.Marshal(domain.StatusChange{
		OrderNumber: orderNumber,
		Action:      action,
		Status:      status,
		Notes:       notes,
		ChangedAt:   now,
	})
	if err != nil {
		return domain.SyncQueueItem{}, fmt.Errorf("encoding status change: %w", err)
	}

	item := s.newItem(domain.SyncTypeStatusChange, domain.PriorityHigh, orderNumber, payload, now)
	applied, err := s.orders.UpdateStatusWithQueueItem(ctx, status, item)
	if err != nil {
		return domain.SyncQueueItem{}, err
	}
	if !applied {
		return domain.SyncQueueItem{}, apperrors.NewConflictError(fmt.Sprintf("order %s has a newer status", orderNumber))
	}
	s.logQueued(item)
	return item, nil
}

// EnqueueUpdate stores an edit of the order's non-price fields and queues it
// for the cloud. Notes only travel to the cloud.
func (s *QueueService) EnqueueUpdate(ctx context.Context, orderNumber string, update dto.UpdateOrderRequest) (*domain.OfflineOrder, error) {
	if err := validateUpdate(update); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("encoding order update: %w", err)
	}

	item := s.newItem(domain.SyncTypeUpdate, domain.PriorityNormal, orderNumber, payload, s.now())
	if err := s.orders.UpdateDetailsWithQueueItem(ctx, update.Customer, update.PaymentMethod, item); err != nil {
		return nil, err
	}
	s.logQueued(item)
	return s.orders.FindByOrderNumber(ctx, orderNumber)
}

func validateUpdate(update dto.UpdateOrderRequest) error {
	if update.Empty() {
		return apperrors.NewValidationError("nothing to update", apperrors.ValidationDetail{
			Field:   "body",
			Message: "one of customer, payment_method or notes is required",
		})
	}
	if update.PaymentMethod != nil && strings.TrimSpace(*update.PaymentMethod) == "" {
		return apperrors.NewValidationError("invalid order update", apperrors.ValidationDetail{
			Field:   "payment_method",
			Message: "payment_method must not be empty",
		})
	}
	return nil
}

func (s *QueueService) enqueue(ctx context.Context, typ domain.SyncType, priority domain.SyncPriority, orderNumber string, payload []byte, at time.Time) (domain.SyncQueueItem, error) {
	item := s.newItem(typ, priority, orderNumber, payload, at)
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return domain.SyncQueueItem{}, err
	}
	s.logQueued(item)
	return item, nil
}

func (s *QueueService) newItem(typ domain.SyncType, priority domain.SyncPriority, orderNumber string, payload []byte, at time.Time) domain.SyncQueueItem {
	return domain.SyncQueueItem{
		ID:          ids.New(),
		Type:        typ,
		Priority:    priority,
		OrderNumber: orderNumber,
		Payload:     payload,
		Timestamp:   at,
		MaxRetries:  s.maxRetries,
	}
}

func (s *QueueService) logQueued(item domain.SyncQueueItem) {
	s.logger.Info("sync item queued",
		zap.String("itemId", item.ID),
		zap.String("orderNumber", item.OrderNumber),
		zap.String("type", string(item.Type)),
		zap.String("priority", string(item.Priority)))
}

// ApplyRemoteStatus applies a status seen on a real-time channel. Older
// updates and unknown orders are ignored.
func (s *QueueService) ApplyRemoteStatus(ctx context.Context, orderNumber, status string, updatedAt time.Time) (bool, error) {
	if !domain.ValidOrderStatus(status) {
		return false, apperrors.NewValidationError(fmt.Sprintf("unknown status %q", status))
	}
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	applied, err := s.orders.UpdateStatus(ctx, orderNumber, status, updatedAt)
	if _, ok := apperrors.IsNotFoundError(err); ok {
		return false, nil
	}
	return applied, err
}

func (s *QueueService) Stats(ctx context.Context) (dto.OrderStats, error) {
	return s.orders.Stats(ctx, FailedSyncThreshold)
}

// RebuildQueue recreates create items for every unsynced order, for use after
// the queue table was lost or cleared.
func (s *QueueService) RebuildQueue(ctx context.Context) (int, error) {
	n, err := s.queue.RebuildCreates(ctx, s.maxRetries, ids.New)
	if err != nil {
		return 0, err
	}
	s.logger.Info("sync queue rebuilt", zap.Int("items", n))
	return n, nil
}

// PurgeSynced deletes synced orders older than the retention window.
func (s *QueueService) PurgeSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.orders.PurgeSynced(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged synced orders", zap.Int64("count", n), zap.Duration("olderThan", olderThan))
	}
	return n, nil
}
