package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"possync/internal/domain"
	apperrors "possync/internal/errors"
	"possync/internal/protocol"
)

type OrderStore interface {
	Insert(ctx context.Context, outletID int64, orderNumber, status string, payload json.RawMessage) (domain.BrokerOrderRecord, bool, error)
	UpdateStatus(ctx context.Context, outletID int64, orderNumber, status string) (bool, error)
}

// Relay forwards room traffic to broker nodes sharing the same site.
type Relay interface {
	Publish(ctx context.Context, outletID int64, env protocol.Envelope) error
}

// Outcome describes what happened to one inbound event.
type Outcome struct {
	Event       string `json:"event"`
	OrderNumber string `json:"order_number,omitempty"`
	RecordID    string `json:"recordId,omitempty"`
	Persisted   bool   `json:"persisted"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Delivered   int    `json:"delivered"`
}

// Dispatcher applies client events: persist first, then fan out to the room.
// Nothing is fanned out or acknowledged when the write fails.
type Dispatcher struct {
	hub    *Hub
	store  OrderStore
	relay  Relay
	logger *zap.Logger
	now    func() time.Time
}

func NewDispatcher(hub *Hub, store OrderStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		hub:    hub,
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRelay enables cross-node fan-out.
func (d *Dispatcher) SetRelay(relay Relay) {
	d.relay = relay
}

// HandleSession processes one event from a connected session.
func (d *Dispatcher) HandleSession(ctx context.Context, s *Session, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventSubscribeOutlet:
		outletID, err := protocol.ParseSubscribeOutlet(env.Data)
		if err != nil {
			s.Send(errorEnvelope(env.Event, err.Error()))
			return
		}
		d.hub.Join(s, outletID)
		d.logger.Info("session subscribed", zap.String("sessionId", s.ID()), zap.Int64("outletId", outletID))
		reply, _ := protocol.NewEnvelope(protocol.EventSubscribed, protocol.Subscribed{OutletID: outletID, Timestamp: d.now()})
		s.Send(reply)

	case protocol.EventIdentify:
		id, err := protocol.ParseIdentify(env.Data)
		if err != nil {
			s.Send(errorEnvelope(env.Event, err.Error()))
			return
		}
		s.setRole(id.Type)
		d.logger.Info("session identified", zap.String("sessionId", s.ID()), zap.String("role", string(id.Type)))

	case protocol.EventBroadcast:
		if s.OutletID() == 0 {
			s.Send(errorEnvelope(env.Event, "subscribe to an outlet before broadcasting"))
			return
		}
		d.fanout(ctx, s.OutletID(), protocol.Envelope{Event: protocol.EventMessage, Data: env.Data}, s.ID())

	case protocol.EventNewOrder, protocol.EventUpdateStatus, protocol.EventCompleteOrder, protocol.EventCancelOrder:
		out, err := d.apply(ctx, env, s.ID())
		if err != nil {
			d.logger.Error("event not applied",
				zap.String("sessionId", s.ID()),
				zap.String("event", env.Event),
				zap.Error(err))
			s.Send(errorEnvelope(env.Event, clientMessage(err)))
			return
		}
		s.Send(ackEnvelope(out, d.now()))

	default:
		s.Send(errorEnvelope(env.Event, "unknown event"))
	}
}

// Emit injects an event from the REST surface. Order events go through the
// same persist-then-fan-out path as session events; anything else is
// relayed verbatim to the outlet named in data.outlet_id.
func (d *Dispatcher) Emit(ctx context.Context, env protocol.Envelope) (Outcome, error) {
	switch env.Event {
	case protocol.EventNewOrder, protocol.EventUpdateStatus, protocol.EventCompleteOrder, protocol.EventCancelOrder:
		return d.apply(ctx, env, "")
	}

	var target struct {
		OutletID int64 `json:"outlet_id"`
	}
	if len(env.Data) > 0 {
		json.Unmarshal(env.Data, &target)
	}
	if target.OutletID <= 0 {
		return Outcome{}, apperrors.NewValidationError("invalid emit request",
			apperrors.ValidationDetail{Field: "data.outlet_id", Message: "outlet_id must be a positive integer"})
	}
	delivered := d.fanout(ctx, target.OutletID, env, "")
	return Outcome{Event: env.Event, Delivered: delivered}, nil
}

func (d *Dispatcher) apply(ctx context.Context, env protocol.Envelope, senderID string) (Outcome, error) {
	if env.Event == protocol.EventNewOrder {
		return d.applyNewOrder(ctx, env, senderID)
	}
	return d.applyStatus(ctx, env, senderID)
}

func (d *Dispatcher) applyNewOrder(ctx context.Context, env protocol.Envelope, senderID string) (Outcome, error) {
	p, err := protocol.ParseOrderPayload(env.Data)
	if err != nil {
		return Outcome{}, apperrors.NewValidationError(err.Error())
	}

	rec, existing, err := d.store.Insert(ctx, p.OutletID, p.OrderNumber, p.Status, p.Raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("persisting order %s: %w", p.OrderNumber, err)
	}

	out := Outcome{
		Event:       env.Event,
		OrderNumber: p.OrderNumber,
		RecordID:    rec.ID,
		Persisted:   true,
		Duplicate:   existing,
	}
	if existing {
		d.logger.Info("duplicate order ignored", zap.String("orderNumber", p.OrderNumber), zap.Int64("outletId", p.OutletID))
		return out, nil
	}

	out.Delivered = d.fanout(ctx, p.OutletID, protocol.Envelope{Event: protocol.EventOrderCreated, Data: p.Raw}, senderID)
	d.logger.Info("order relayed",
		zap.String("orderNumber", p.OrderNumber),
		zap.Int64("outletId", p.OutletID),
		zap.Int("delivered", out.Delivered))
	return out, nil
}

// applyStatus persists the new status when the order is known. Updates for
// orders the broker never saw are still fanned out but not stored.
func (d *Dispatcher) applyStatus(ctx context.Context, env protocol.Envelope, senderID string) (Outcome, error) {
	defaultStatus, outbound, _ := protocol.StatusForEvent(env.Event)
	u, err := protocol.ParseStatusUpdate(env.Data, defaultStatus)
	if err != nil {
		return Outcome{}, apperrors.NewValidationError(err.Error())
	}
	if !domain.ValidOrderStatus(u.Status) {
		return Outcome{}, apperrors.NewValidationError(fmt.Sprintf("unknown status %q", u.Status))
	}

	found, err := d.store.UpdateStatus(ctx, u.OutletID, u.OrderNumber, u.Status)
	if err != nil {
		return Outcome{}, fmt.Errorf("persisting status of %s: %w", u.OrderNumber, err)
	}
	if !found {
		d.logger.Warn("status update for unknown order", zap.String("orderNumber", u.OrderNumber), zap.Int64("outletId", u.OutletID))
	}

	data, err := stampUpdate(u, d.now())
	if err != nil {
		return Outcome{}, err
	}
	delivered := d.fanout(ctx, u.OutletID, protocol.Envelope{Event: outbound, Data: data}, senderID)

	return Outcome{
		Event:       env.Event,
		OrderNumber: u.OrderNumber,
		Persisted:   found,
		Delivered:   delivered,
	}, nil
}

func (d *Dispatcher) fanout(ctx context.Context, outletID int64, env protocol.Envelope, exceptID string) int {
	delivered := d.hub.Broadcast(outletID, env, exceptID)
	if d.relay != nil {
		if err := d.relay.Publish(ctx, outletID, env); err != nil {
			d.logger.Warn("relay publish failed", zap.Int64("outletId", outletID), zap.String("event", env.Event), zap.Error(err))
		}
	}
	return delivered
}

// stampUpdate keeps every field the sender included and fills in the
// resolved status plus an updated_at when the sender omitted one.
func stampUpdate(u protocol.StatusUpdate, now time.Time) (json.RawMessage, error) {
	fields := map[string]any{}
	if err := json.Unmarshal(u.Raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding status update: %w", err)
	}
	fields["status"] = u.Status
	if u.UpdatedAt.IsZero() {
		fields["updated_at"] = now
	}
	return json.Marshal(fields)
}

func ackEnvelope(out Outcome, now time.Time) protocol.Envelope {
	event := protocol.EventStatusUpdated
	if out.Event == protocol.EventNewOrder {
		event = protocol.EventOrderSent
	}
	env, _ := protocol.NewEnvelope(event, protocol.Ack{
		OrderNumber: out.OrderNumber,
		RecordID:    out.RecordID,
		Persisted:   out.Persisted,
		Timestamp:   now,
	})
	return env
}

func clientMessage(err error) string {
	if ve, ok := apperrors.IsValidationError(err); ok {
		return ve.Message
	}
	return "event could not be stored; not acknowledged"
}
