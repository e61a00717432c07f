// Package protocol defines the JSON wire format shared by the LAN broker and
// terminal channels: an {"event", "data"} envelope and one payload type per
// event kind, validated when decoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"possync/internal/domain"
)

// Client to broker.
const (
	EventSubscribeOutlet = "subscribe_outlet"
	EventIdentify        = "identify"
	EventNewOrder        = "new_order"
	EventUpdateStatus    = "update_status"
	EventCompleteOrder   = "complete_order"
	EventCancelOrder     = "cancel_order"
	EventBroadcast       = "broadcast"
)

// Broker to client.
const (
	EventConnected      = "connected"
	EventSubscribed     = "subscribed"
	EventOrderCreated   = "order_created"
	EventOrderUpdated   = "order_updated"
	EventOrderCompleted = "order_completed"
	EventOrderCancelled = "order_cancelled"
	EventOrderSent      = "order_sent"
	EventStatusUpdated  = "status_updated"
	EventMessage        = "message"
	EventError          = "error"
)

var ErrInvalidPayload = errors.New("invalid event payload")

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return Envelope{Event: event, Data: raw}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// OrderPayload is the part of an order message the relay needs to route and
// store it. Raw keeps the full message as sent.
type OrderPayload struct {
	ID          string          `json:"id,omitempty"`
	OrderNumber string          `json:"order_number"`
	OutletID    int64           `json:"outlet_id"`
	TenantID    int64           `json:"tenant_id,omitempty"`
	Status      string          `json:"status,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

func ParseOrderPayload(raw json.RawMessage) (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return OrderPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.OrderNumber) == "" {
		return OrderPayload{}, fmt.Errorf("%w: order_number is required", ErrInvalidPayload)
	}
	if p.OutletID <= 0 {
		return OrderPayload{}, fmt.Errorf("%w: outlet_id must be a positive integer", ErrInvalidPayload)
	}
	if p.Status == "" {
		p.Status = domain.OrderStatusPending
	}
	p.Raw = raw
	return p, nil
}

type StatusUpdate struct {
	ID          string          `json:"id,omitempty"`
	OrderNumber string          `json:"order_number"`
	OutletID    int64           `json:"outlet_id"`
	TenantID    int64           `json:"tenant_id,omitempty"`
	Status      string          `json:"status"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Raw         json.RawMessage `json:"-"`
}

// ParseStatusUpdate decodes an update. defaultStatus fills a missing status
// for events whose name implies it (complete_order, cancel_order); when it is
// empty the status field is required.
func ParseStatusUpdate(raw json.RawMessage, defaultStatus string) (StatusUpdate, error) {
	var u StatusUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return StatusUpdate{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(u.OrderNumber) == "" {
		return StatusUpdate{}, fmt.Errorf("%w: order_number is required", ErrInvalidPayload)
	}
	if u.OutletID <= 0 {
		return StatusUpdate{}, fmt.Errorf("%w: outlet_id must be a positive integer", ErrInvalidPayload)
	}
	if u.Status == "" || defaultStatus != "" {
		if defaultStatus == "" {
			return StatusUpdate{}, fmt.Errorf("%w: status is required", ErrInvalidPayload)
		}
		u.Status = defaultStatus
	}
	u.Raw = raw
	return u, nil
}

type Identify struct {
	Type domain.SessionRole `json:"type"`
}

func ParseIdentify(raw json.RawMessage) (Identify, error) {
	var id Identify
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identify{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !id.Type.Valid() {
		return Identify{}, fmt.Errorf("%w: type must be pos or kitchen", ErrInvalidPayload)
	}
	return id, nil
}

// ParseSubscribeOutlet accepts a bare id (7 or "7") or {"outlet_id": 7}.
func ParseSubscribeOutlet(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil && id > 0 {
		return id, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil && n > 0 {
			return n, nil
		}
	}

	var obj struct {
		OutletID int64 `json:"outlet_id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.OutletID > 0 {
		return obj.OutletID, nil
	}

	return 0, fmt.Errorf("%w: outlet id must be a positive integer", ErrInvalidPayload)
}

type Welcome struct {
	Message   string    `json:"message"`
	SessionID string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

type Subscribed struct {
	OutletID  int64     `json:"outletId"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack confirms a durable write to the sender.
type Ack struct {
	OrderNumber string    `json:"order_number"`
	RecordID    string    `json:"recordId,omitempty"`
	Persisted   bool      `json:"persisted"`
	Timestamp   time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// StatusForEvent maps a client status event to the status it implies and the
// event the broker fans out.
func StatusForEvent(event string) (defaultStatus, outbound string, ok bool) {
	switch event {
	case EventUpdateStatus:
		return "", EventOrderUpdated, true
	case EventCompleteOrder:
		return domain.OrderStatusCompleted, EventOrderCompleted, true
	case EventCancelOrder:
		return domain.OrderStatusCancelled, EventOrderCancelled, true
	}
	return "", "", false
}
