package order

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"possync/internal/config"
	"possync/internal/order/controller"
	orderrepo "possync/internal/order/repository"
	"possync/internal/order/service"
	"possync/internal/order/usecase"
)

// Module is the terminal's order capture queue.
type Module struct {
	Queue      *service.QueueService
	Submit     *usecase.SubmitOrderUseCase
	Status     *usecase.ChangeStatusUseCase
	Controller *controller.OrderController

	logger *zap.Logger
}

// PurgeInterval is how often RunPurger runs after the first pass.
const PurgeInterval = 24 * time.Hour

func NewModule(ctx context.Context, db *sql.DB, publisher usecase.Publisher, cfg *config.Config, logger *zap.Logger) (*Module, error) {
	if err := orderrepo.Migrate(ctx, db); err != nil {
		return nil, err
	}

	orderRepo := orderrepo.NewSQLiteOrderRepository(db)
	queueRepo := orderrepo.NewSQLiteSyncQueueRepository(db)

	queueSvc := service.NewQueueService(orderRepo, queueRepo, logger, cfg.Sync.MaxRetries)
	submit := usecase.NewSubmitOrderUseCase(orderRepo, publisher, logger, cfg.Sync.MaxRetries)
	status := usecase.NewChangeStatusUseCase(queueSvc, publisher, logger)

	return &Module{
		Queue:      queueSvc,
		Submit:     submit,
		Status:     status,
		Controller: controller.NewOrderController(submit, status, queueSvc, cfg.Terminal.PurgeAfter, logger),
		logger:     logger,
	}, nil
}

// RunPurger deletes synced orders older than retention once at start and then
// every interval until ctx ends. A non-positive retention disables it.
func (m *Module) RunPurger(ctx context.Context, interval, retention time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Queue.PurgeSynced(ctx, retention); err != nil && ctx.Err() == nil {
			m.logger.Warn("purging synced orders failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
