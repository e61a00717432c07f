package masterdata

import (
	"time"

	"possync/internal/domain"
)

type ProductsResponse struct {
	Products []domain.Product `json:"products"`
	NotFound []int64          `json:"notFound"`
}

type CollectionStatus struct {
	Version     int64      `json:"version"`
	Items       int        `json:"items"`
	RefreshedAt *time.Time `json:"refreshedAt,omitempty"`
}

type StatusResponse struct {
	Collections map[string]CollectionStatus `json:"collections"`
}

type RefreshResult struct {
	Updated  map[string]int   `json:"updated"`
	Versions map[string]int64 `json:"versions"`
}

type QuoteRequest struct {
	ProductID           int64   `json:"product_id"`
	Quantity            int     `json:"quantity"`
	ModifierIDs         []int64 `json:"modifier_ids"`
	SpecialInstructions string  `json:"special_instructions,omitempty"`
}

// QuoteResponse carries an item snapshot ready to be placed in an order.
// Promotions are reported, not applied to the frozen prices.
type QuoteResponse struct {
	Item       domain.OrderItem   `json:"item"`
	Promotions []domain.Promotion `json:"promotions"`
	PricedAt   time.Time          `json:"pricedAt"`
}
