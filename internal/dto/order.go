package dto

import (
	"time"

	"possync/internal/domain"
)

type ModifierInput struct {
	ModifierID int64        `json:"modifier_id,omitempty"`
	Name       string       `json:"name"`
	Price      FrozenNumber `json:"price"`
}

type OrderItemInput struct {
	ProductID           int64           `json:"product_id"`
	ProductName         string          `json:"product_name"`
	Price               FrozenNumber    `json:"price"`
	Quantity            FrozenNumber    `json:"quantity"`
	Modifiers           []ModifierInput `json:"modifiers,omitempty"`
	ModifiersPrice      FrozenNumber    `json:"modifiers_price"`
	Subtotal            FrozenNumber    `json:"subtotal"`
	SpecialInstructions string          `json:"special_instructions,omitempty"`
}

// SubmitOrderRequest is an order as the kiosk UI hands it over, before
// snapshot validation.
type SubmitOrderRequest struct {
	ID            string           `json:"id,omitempty"`
	OrderNumber   string           `json:"order_number,omitempty"`
	OutletID      int64            `json:"outlet_id"`
	TenantID      int64            `json:"tenant_id"`
	StoreID       int64            `json:"store_id"`
	Customer      domain.Customer  `json:"customer"`
	Items         []OrderItemInput `json:"items"`
	Subtotal      FrozenNumber     `json:"subtotal"`
	Tax           FrozenNumber     `json:"tax"`
	ServiceCharge FrozenNumber     `json:"service_charge"`
	TotalAmount   FrozenNumber     `json:"total_amount"`
	PaymentMethod string           `json:"payment_method"`
	Status        string           `json:"status,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

type SubmitOrderResponse struct {
	TraceID     string              `json:"traceId"`
	Order       domain.OfflineOrder `json:"order"`
	Queued      bool                `json:"queued"`
	AlreadySeen bool                `json:"alreadySeen"`
	Timestamp   time.Time           `json:"timestamp"`
}

type StatusChangeRequest struct {
	Status string `json:"status"`
	Action string `json:"action"`
	Notes  string `json:"notes,omitempty"`
}

// UpdateOrderRequest edits the non-price fields of a captured order. Absent
// fields are left alone.
type UpdateOrderRequest struct {
	Customer      *domain.Customer `json:"customer,omitempty"`
	PaymentMethod *string          `json:"payment_method,omitempty"`
	Notes         *string          `json:"notes,omitempty"`
}

func (r UpdateOrderRequest) Empty() bool {
	return r.Customer == nil && r.PaymentMethod == nil && r.Notes == nil
}

type OrderStats struct {
	TotalOrders   int `json:"totalOrders"`
	SyncedOrders  int `json:"syncedOrders"`
	PendingOrders int `json:"pendingOrders"`
	SyncQueueSize int `json:"syncQueueSize"`
	FailedSyncs   int `json:"failedSyncs"`
}

type ErrorResponse struct {
	TraceID   string    `json:"traceId,omitempty"`
	Status    int       `json:"status"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
