package masterdata

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"possync/internal/domain"
	apperrors "possync/internal/errors"
)

type quoteUseCase struct {
	service Service
	now     func() time.Time
}

func NewQuoteUseCase(service Service) QuoteUseCase {
	return &quoteUseCase{
		service: service,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Quote freezes the cached price of one product into an order item. The
// result satisfies order snapshot validation as is.
func (uc *quoteUseCase) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	found, _, err := uc.service.Products(ctx, []int64{req.ProductID}, 0)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("product %d is not in the local catalog", req.ProductID))
	}
	product := found[0]
	if !product.IsAvailable {
		return nil, apperrors.NewValidationError("product unavailable", apperrors.ValidationDetail{
			Field:   "product_id",
			Message: fmt.Sprintf("product %d is not available", product.ID),
		})
	}

	byID := make(map[int64]domain.ProductModifier, len(product.Modifiers))
	for _, m := range product.Modifiers {
		byID[m.ID] = m
	}

	modifiers := make([]domain.Modifier, 0, len(req.ModifierIDs))
	modifiersPrice := decimal.Zero
	for _, id := range req.ModifierIDs {
		m, ok := byID[id]
		if !ok {
			return nil, apperrors.NewValidationError("unknown modifier", apperrors.ValidationDetail{
				Field:   "modifier_ids",
				Message: fmt.Sprintf("modifier %d does not belong to product %d", id, product.ID),
			})
		}
		modifiers = append(modifiers, domain.Modifier{ModifierID: m.ID, Name: m.Name, Price: m.Price})
		modifiersPrice = modifiersPrice.Add(decimal.NewFromFloat(m.Price))
	}

	unit := decimal.NewFromFloat(product.Price)
	subtotal := unit.Add(modifiersPrice).Mul(decimal.NewFromInt(int64(req.Quantity))).Round(2)

	pricedAt := uc.now()
	var promotions []domain.Promotion
	all, err := uc.service.Promotions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.ActiveAt(pricedAt) && p.AppliesTo(product.ID) {
			promotions = append(promotions, p)
		}
	}
	if promotions == nil {
		promotions = []domain.Promotion{}
	}

	return &QuoteResponse{
		Item: domain.OrderItem{
			ProductID:           product.ID,
			ProductName:         product.Name,
			UnitPrice:           unit.InexactFloat64(),
			Quantity:            req.Quantity,
			Modifiers:           modifiers,
			ModifiersPrice:      modifiersPrice.Round(2).InexactFloat64(),
			Subtotal:            subtotal.InexactFloat64(),
			SpecialInstructions: req.SpecialInstructions,
		},
		Promotions: promotions,
		PricedAt:   pricedAt,
	}, nil
}
