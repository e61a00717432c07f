package domain

import (
	"encoding/json"
	"time"
)

// PayloadVersion is the serialization version of broker record payloads.
const PayloadVersion = 1

type SessionRole string

const (
	RolePOS     SessionRole = "pos"
	RoleKitchen SessionRole = "kitchen"
)

func (r SessionRole) Valid() bool {
	return r == RolePOS || r == RoleKitchen
}

type BrokerOrderRecord struct {
	ID             string          `json:"id"`
	OutletID       int64           `json:"outlet_id"`
	OrderNumber    string          `json:"order_number"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	PayloadVersion int             `json:"payload_version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SyncedToCloud  bool            `json:"synced_to_cloud"`
}
