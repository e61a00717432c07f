package masterdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/masterdata/repository"
)

var collections = []string{
	repository.CollectionProducts,
	repository.CollectionCategories,
	repository.CollectionPromotions,
}

type catalogService struct {
	repo   Repository
	source Source
	logger *zap.Logger
	now    func() time.Time
}

func NewService(repo Repository, source Source, logger *zap.Logger) Service {
	return &catalogService{
		repo:   repo,
		source: source,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Refresh pulls every collection changed since its stored version. A failed
// collection leaves its cached rows and version untouched.
func (s *catalogService) Refresh(ctx context.Context) (*RefreshResult, error) {
	result := &RefreshResult{Updated: map[string]int{}, Versions: map[string]int64{}}

	for _, collection := range collections {
		since, err := s.repo.Version(ctx, collection)
		if err != nil {
			return result, err
		}

		version, rows, err := s.fetch(ctx, collection, since)
		if err != nil {
			return result, fmt.Errorf("refreshing %s: %w", collection, err)
		}
		if err := s.repo.ApplyPage(ctx, collection, version, rows, s.now()); err != nil {
			return result, err
		}

		result.Updated[collection] = len(rows)
		result.Versions[collection] = version
		s.logger.Info("catalog collection refreshed",
			zap.String("collection", collection),
			zap.Int64("sinceVersion", since),
			zap.Int64("version", version),
			zap.Int("rows", len(rows)))
	}
	return result, nil
}

func (s *catalogService) fetch(ctx context.Context, collection string, since int64) (int64, []repository.Row, error) {
	switch collection {
	case repository.CollectionProducts:
		page, err := s.source.FetchProducts(ctx, since)
		if err != nil {
			return 0, nil, err
		}
		rows, err := toRows(page.Items, func(p domain.Product) (int64, time.Time) { return p.ID, p.UpdatedAt })
		return page.Version, rows, err
	case repository.CollectionCategories:
		page, err := s.source.FetchCategories(ctx, since)
		if err != nil {
			return 0, nil, err
		}
		rows, err := toRows(page.Items, func(c domain.Category) (int64, time.Time) { return c.ID, c.UpdatedAt })
		return page.Version, rows, err
	case repository.CollectionPromotions:
		page, err := s.source.FetchPromotions(ctx, since)
		if err != nil {
			return 0, nil, err
		}
		rows, err := toRows(page.Items, func(p domain.Promotion) (int64, time.Time) { return p.ID, p.UpdatedAt })
		return page.Version, rows, err
	}
	return 0, nil, fmt.Errorf("unknown collection %q", collection)
}

func (s *catalogService) Products(ctx context.Context, ids []int64, categoryID int64) ([]domain.Product, []int64, error) {
	var rows []repository.Row
	var err error
	if len(ids) > 0 {
		rows, err = s.repo.FindByIDs(ctx, repository.CollectionProducts, ids)
	} else {
		rows, err = s.repo.List(ctx, repository.CollectionProducts)
	}
	if err != nil {
		return nil, nil, err
	}

	all, err := fromRows[domain.Product](rows)
	if err != nil {
		return nil, nil, err
	}

	found := make([]domain.Product, 0, len(all))
	foundSet := make(map[int64]struct{}, len(all))
	for _, p := range all {
		if categoryID > 0 && p.CategoryID != categoryID {
			continue
		}
		found = append(found, p)
		foundSet[p.ID] = struct{}{}
	}

	var notFoundIDs []int64
	for _, id := range ids {
		if _, ok := foundSet[id]; !ok {
			notFoundIDs = append(notFoundIDs, id)
		}
	}
	return found, notFoundIDs, nil
}

func (s *catalogService) Promotions(ctx context.Context) ([]domain.Promotion, error) {
	rows, err := s.repo.List(ctx, repository.CollectionPromotions)
	if err != nil {
		return nil, err
	}
	return fromRows[domain.Promotion](rows)
}

func (s *catalogService) Status(ctx context.Context) (*StatusResponse, error) {
	resp := &StatusResponse{Collections: make(map[string]CollectionStatus, len(collections))}
	for _, collection := range collections {
		version, err := s.repo.Version(ctx, collection)
		if err != nil {
			return nil, err
		}
		count, err := s.repo.Count(ctx, collection)
		if err != nil {
			return nil, err
		}
		refreshed, err := s.repo.RefreshedAt(ctx, collection)
		if err != nil {
			return nil, err
		}

		st := CollectionStatus{Version: version, Items: count}
		if !refreshed.IsZero() {
			st.RefreshedAt = &refreshed
		}
		resp.Collections[collection] = st
	}
	return resp, nil
}

func toRows[T any](items []T, key func(T) (int64, time.Time)) ([]repository.Row, error) {
	rows := make([]repository.Row, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encoding catalog item: %w", err)
		}
		id, updatedAt := key(item)
		rows = append(rows, repository.Row{ID: id, Data: data, UpdatedAt: updatedAt})
	}
	return rows, nil
}

func fromRows[T any](rows []repository.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var item T
		if err := json.Unmarshal(row.Data, &item); err != nil {
			return nil, fmt.Errorf("decoding cached catalog item %d: %w", row.ID, err)
		}
		out = append(out, item)
	}
	return out, nil
}
