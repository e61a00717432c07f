// Package masterdata caches the catalog (products, categories, promotions)
// on the terminal so prices stay available offline.
package masterdata

import (
	"context"
	"time"

	"possync/internal/cloud"
	"possync/internal/domain"
	"possync/internal/masterdata/repository"
)

type QuoteUseCase interface {
	Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error)
}

type Service interface {
	Refresh(ctx context.Context) (*RefreshResult, error)
	Products(ctx context.Context, ids []int64, categoryID int64) (found []domain.Product, notFoundIDs []int64, err error)
	Promotions(ctx context.Context) ([]domain.Promotion, error)
	Status(ctx context.Context) (*StatusResponse, error)
}

// Source is the cloud catalog API.
type Source interface {
	FetchProducts(ctx context.Context, sinceVersion int64) (cloud.CatalogPage[domain.Product], error)
	FetchCategories(ctx context.Context, sinceVersion int64) (cloud.CatalogPage[domain.Category], error)
	FetchPromotions(ctx context.Context, sinceVersion int64) (cloud.CatalogPage[domain.Promotion], error)
}

type Repository interface {
	ApplyPage(ctx context.Context, collection string, version int64, rows []repository.Row, refreshedAt time.Time) error
	List(ctx context.Context, collection string) ([]repository.Row, error)
	FindByIDs(ctx context.Context, collection string, ids []int64) ([]repository.Row, error)
	Version(ctx context.Context, collection string) (int64, error)
	RefreshedAt(ctx context.Context, collection string) (time.Time, error)
	Count(ctx context.Context, collection string) (int, error)
}
