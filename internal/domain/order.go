package domain

import "time"

const (
	OrderStatusPending   = "pending"
	OrderStatusPreparing = "preparing"
	OrderStatusReady     = "ready"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// ItemsVersion is the serialization version of the items column; bump it
// when the OrderItem JSON layout changes so readers can migrate old rows.
const ItemsVersion = 1

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Modifier is frozen at order time.
type Modifier struct {
	ModifierID int64   `json:"modifier_id,omitempty"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
}

// OrderItem is a snapshot of a catalog product as it was sold. None of its
// price fields may be recomputed from the live catalog once persisted.
type OrderItem struct {
	ProductID           int64      `json:"product_id"`
	ProductName         string     `json:"product_name"`
	UnitPrice           float64    `json:"price"`
	Quantity            int        `json:"quantity"`
	Modifiers           []Modifier `json:"modifiers,omitempty"`
	ModifiersPrice      float64    `json:"modifiers_price"`
	Subtotal            float64    `json:"subtotal"`
	SpecialInstructions string     `json:"special_instructions,omitempty"`
}

type OfflineOrder struct {
	ID              string      `json:"id"`
	OrderNumber     string      `json:"order_number"`
	OutletID        int64       `json:"outlet_id"`
	TenantID        int64       `json:"tenant_id"`
	StoreID         int64       `json:"store_id"`
	Customer        Customer    `json:"customer"`
	Items           []OrderItem `json:"items"`
	Subtotal        float64     `json:"subtotal"`
	Tax             float64     `json:"tax"`
	ServiceCharge   float64     `json:"service_charge"`
	TotalAmount     float64     `json:"total_amount"`
	PaymentMethod   string      `json:"payment_method"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	Synced          bool        `json:"synced"`
	SyncAttempts    int         `json:"sync_attempts"`
	LastSyncAttempt *time.Time  `json:"last_sync_attempt,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
}

// NeedsAttention reports an unsynced order whose sync attempts have been
// exhausted or keep failing; an operator has to resolve it.
func (o OfflineOrder) NeedsAttention(threshold int) bool {
	return !o.Synced && o.SyncAttempts > threshold
}

func ValidOrderStatus(status string) bool {
	switch status {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusReady, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// KitchenAction is the cloud kitchen endpoint segment that moves an order
// into status. Pending has none.
func KitchenAction(status string) (string, bool) {
	switch status {
	case OrderStatusPreparing:
		return "start", true
	case OrderStatusReady:
		return "ready", true
	case OrderStatusCompleted:
		return "complete", true
	case OrderStatusCancelled:
		return "cancel", true
	}
	return "", false
}
