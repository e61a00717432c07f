package masterdata

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"possync/internal/masterdata/repository"
)

type Module struct {
	Service    Service
	Quote      QuoteUseCase
	Controller *Controller

	logger *zap.Logger
}

func NewModule(ctx context.Context, db *sql.DB, source Source, logger *zap.Logger) (*Module, error) {
	repo := repository.NewSQLiteCatalogRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		return nil, err
	}

	svc := NewService(repo, source, logger)
	uc := NewQuoteUseCase(svc)
	return &Module{
		Service:    svc,
		Quote:      uc,
		Controller: NewController(svc, uc, logger),
		logger:     logger,
	}, nil
}

// RunRefresher refreshes the cache every interval while online() holds,
// until ctx is cancelled.
func (m *Module) RunRefresher(ctx context.Context, interval time.Duration, online func() bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !online() {
				continue
			}
			if _, err := m.Service.Refresh(ctx); err != nil {
				m.logger.Warn("scheduled catalog refresh failed", zap.Error(err))
			}
		}
	}
}
