package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/protocol"
)

type pollResponse struct {
	Orders   []domain.BrokerOrderRecord `json:"orders"`
	Count    int                        `json:"count"`
	LatestID string                     `json:"latest_id"`
}

// Poller reads the broker's REST surface. It remembers the newest record id
// and update time it has seen so each poll only returns changes.
type Poller struct {
	http   *resty.Client
	logger *zap.Logger

	mu           sync.Mutex
	outletID     int64
	sinceID      string
	updatedSince time.Time
}

func NewPoller(baseURL string, timeout time.Duration, logger *zap.Logger) *Poller {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Poller{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		logger: logger.With(zap.String("channel", "poll")),
	}
}

// SetOutlet switches the polled room; cursors restart when it changes.
func (p *Poller) SetOutlet(outletID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outletID != outletID {
		p.outletID = outletID
		p.sinceID = ""
		p.updatedSince = time.Time{}
	}
}

// Poll fetches changes since the last call and turns them into order events.
func (p *Poller) Poll(ctx context.Context) ([]protocol.OrderEvent, error) {
	p.mu.Lock()
	outletID, sinceID, updatedSince := p.outletID, p.sinceID, p.updatedSince
	p.mu.Unlock()

	if outletID == 0 {
		return nil, nil
	}

	req := p.http.R().
		SetContext(ctx).
		SetQueryParam("outlet_id", strconv.FormatInt(outletID, 10))
	if sinceID != "" {
		req.SetQueryParam("since_id", sinceID)
	}
	if !updatedSince.IsZero() {
		req.SetQueryParam("updated_since", updatedSince.Format(time.RFC3339Nano))
	}

	var body pollResponse
	resp, err := req.SetResult(&body).Get("/api/orders")
	if err != nil {
		return nil, fmt.Errorf("polling broker: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("polling broker: HTTP %d", resp.StatusCode())
	}

	var events []protocol.OrderEvent
	newestID, newestUpdate := sinceID, updatedSince
	for _, rec := range body.Orders {
		if rec.ID > sinceID {
			created, err := protocol.ParseOrderPayload(rec.Payload)
			if err != nil {
				p.logger.Warn("skipping malformed broker record", zap.String("recordId", rec.ID), zap.Error(err))
			} else {
				events = append(events, protocol.OrderEvent{Name: protocol.EventOrderCreated, Created: &created})
			}
			if rec.Status != domain.OrderStatusPending {
				events = append(events, statusEvent(rec))
			}
		} else {
			events = append(events, statusEvent(rec))
		}

		if rec.ID > newestID {
			newestID = rec.ID
		}
		if rec.UpdatedAt.After(newestUpdate) {
			newestUpdate = rec.UpdatedAt
		}
	}

	p.mu.Lock()
	if p.outletID == outletID {
		p.sinceID, p.updatedSince = newestID, newestUpdate
	}
	p.mu.Unlock()

	return events, nil
}

func statusEvent(rec domain.BrokerOrderRecord) protocol.OrderEvent {
	name := protocol.EventOrderUpdated
	switch rec.Status {
	case domain.OrderStatusCompleted:
		name = protocol.EventOrderCompleted
	case domain.OrderStatusCancelled:
		name = protocol.EventOrderCancelled
	}
	return protocol.OrderEvent{
		Name: name,
		Update: &protocol.StatusUpdate{
			ID:          rec.ID,
			OrderNumber: rec.OrderNumber,
			OutletID:    rec.OutletID,
			Status:      rec.Status,
			UpdatedAt:   rec.UpdatedAt,
		},
	}
}
