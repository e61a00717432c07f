package protocol

import (
	"fmt"

	"possync/internal/domain"
)

// OrderEvent is what terminal consumers see, whichever channel carried it.
// Created is set for order_created; Update for the other kinds.
type OrderEvent struct {
	Name    string
	Created *OrderPayload
	Update  *StatusUpdate
}

func IsOrderEvent(name string) bool {
	switch name {
	case EventOrderCreated, EventOrderUpdated, EventOrderCompleted, EventOrderCancelled:
		return true
	}
	return false
}

func DecodeOrderEvent(env Envelope) (OrderEvent, error) {
	switch env.Event {
	case EventOrderCreated:
		p, err := ParseOrderPayload(env.Data)
		if err != nil {
			return OrderEvent{}, err
		}
		return OrderEvent{Name: env.Event, Created: &p}, nil
	case EventOrderUpdated:
		u, err := ParseStatusUpdate(env.Data, "")
		if err != nil {
			return OrderEvent{}, err
		}
		return OrderEvent{Name: env.Event, Update: &u}, nil
	case EventOrderCompleted:
		u, err := ParseStatusUpdate(env.Data, domain.OrderStatusCompleted)
		if err != nil {
			return OrderEvent{}, err
		}
		return OrderEvent{Name: env.Event, Update: &u}, nil
	case EventOrderCancelled:
		u, err := ParseStatusUpdate(env.Data, domain.OrderStatusCancelled)
		if err != nil {
			return OrderEvent{}, err
		}
		return OrderEvent{Name: env.Event, Update: &u}, nil
	}
	return OrderEvent{}, fmt.Errorf("%w: %q is not an order event", ErrInvalidPayload, env.Event)
}
