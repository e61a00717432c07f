package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"possync/internal/broker/repository"
	"possync/internal/domain"
	"possync/internal/dto"
	apperrors "possync/internal/errors"
	"possync/internal/ids"
	"possync/internal/protocol"
)

type RecordStore interface {
	ListSince(ctx context.Context, outletID int64, sinceID string, updatedSince time.Time, limit int) ([]domain.BrokerOrderRecord, error)
	MarkSynced(ctx context.Context, id string) error
	ListUnsynced(ctx context.Context, limit int) ([]domain.BrokerOrderRecord, error)
	Stats(ctx context.Context) (repository.Stats, error)
	Ping(ctx context.Context) error
}

type Controller struct {
	hub        *Hub
	dispatcher *Dispatcher
	store      RecordStore
	started    time.Time
	logger     *zap.Logger
}

func NewController(hub *Hub, dispatcher *Dispatcher, store RecordStore, logger *zap.Logger) *Controller {
	return &Controller{
		hub:        hub,
		dispatcher: dispatcher,
		store:      store,
		started:    time.Now(),
		logger:     logger,
	}
}

func (c *Controller) Routes(r chi.Router) {
	r.Get("/health", c.Health)
	r.Get("/outlets", c.Outlets)
	r.Post("/emit", c.Emit)
	r.Route("/api", func(r chi.Router) {
		r.Get("/orders", c.ListOrders)
		r.Get("/orders/unsynced", c.ListUnsynced)
		r.Post("/orders/{id}/synced", c.MarkSynced)
		r.Get("/stats", c.Stats)
	})
}

type healthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Connections int            `json:"connections"`
	Rooms       map[string]int `json:"rooms"`
	Uptime      float64        `json:"uptime"`
	Store       string         `json:"store"`
}

func (c *Controller) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Connections: c.hub.Connections(),
		Rooms:       c.hub.RoomSizes(),
		Uptime:      time.Since(c.started).Seconds(),
		Store:       "ok",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	if err := c.store.Ping(ctx); err != nil {
		c.logger.Warn("store ping failed", zap.Error(err))
		resp.Status, resp.Store = "degraded", "unavailable"
		status = http.StatusServiceUnavailable
	}
	c.writeJSON(w, status, resp)
}

func (c *Controller) Outlets(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, map[string]any{"outlets": c.hub.Outlets()})
}

type emitRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *Controller) Emit(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	logger := c.logger.With(zap.String("traceId", traceID))

	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Event == "" {
		c.writeValidationError(w, "invalid emit request", apperrors.ValidationDetail{Field: "event", Message: "event is required"})
		return
	}

	out, err := c.dispatcher.Emit(r.Context(), protocol.Envelope{Event: req.Event, Data: req.Data})
	if err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": out})
}

type ordersResponse struct {
	Orders   []domain.BrokerOrderRecord `json:"orders"`
	Count    int                        `json:"count"`
	LatestID string                     `json:"latest_id,omitempty"`
}

// ListOrders serves the polling transport.
func (c *Controller) ListOrders(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	q := r.URL.Query()

	var details []apperrors.ValidationDetail
	outletID, err := strconv.ParseInt(q.Get("outlet_id"), 10, 64)
	if err != nil || outletID <= 0 {
		details = append(details, apperrors.ValidationDetail{Field: "outlet_id", Message: "outlet_id must be a positive integer"})
	}
	var updatedSince time.Time
	if raw := q.Get("updated_since"); raw != "" {
		if updatedSince, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			details = append(details, apperrors.ValidationDetail{Field: "updated_since", Message: "updated_since must be an RFC3339 timestamp"})
		}
	}
	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		details = append(details, apperrors.ValidationDetail{Field: "limit", Message: "limit must be a positive integer"})
	}
	if len(details) > 0 {
		c.writeValidationError(w, "invalid query parameters", details...)
		return
	}

	orders, err := c.store.ListSince(r.Context(), outletID, q.Get("since_id"), updatedSince, limit)
	if err != nil {
		c.handleError(w, traceID, err, c.logger.With(zap.String("traceId", traceID)))
		return
	}

	resp := ordersResponse{Orders: orders, Count: len(orders)}
	if len(orders) > 0 {
		resp.LatestID = orders[len(orders)-1].ID
	}
	c.writeJSON(w, http.StatusOK, resp)
}

func (c *Controller) MarkSynced(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	id := chi.URLParam(r, "id")

	if err := c.store.MarkSynced(r.Context(), id); err != nil {
		c.handleError(w, traceID, err, c.logger.With(zap.String("traceId", traceID)))
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (c *Controller) ListUnsynced(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		c.writeValidationError(w, "invalid query parameters",
			apperrors.ValidationDetail{Field: "limit", Message: "limit must be a positive integer"})
		return
	}

	orders, err := c.store.ListUnsynced(r.Context(), limit)
	if err != nil {
		c.handleError(w, traceID, err, c.logger.With(zap.String("traceId", traceID)))
		return
	}
	c.writeJSON(w, http.StatusOK, ordersResponse{Orders: orders, Count: len(orders)})
}

type statsResponse struct {
	repository.Stats
	Connections int            `json:"connections"`
	Rooms       map[string]int `json:"rooms"`
}

func (c *Controller) Stats(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	stats, err := c.store.Stats(r.Context())
	if err != nil {
		c.handleError(w, traceID, err, c.logger.With(zap.String("traceId", traceID)))
		return
	}
	c.writeJSON(w, http.StatusOK, statsResponse{
		Stats:       stats,
		Connections: c.hub.Connections(),
		Rooms:       c.hub.RoomSizes(),
	})
}

func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (c *Controller) handleError(w http.ResponseWriter, traceID string, err error, logger *zap.Logger) {
	if ve, ok := apperrors.IsValidationError(err); ok {
		c.writeValidationError(w, ve.Message, ve.Details...)
		return
	}

	if _, ok := apperrors.IsNotFoundError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	logger.Error("unexpected error", zap.Error(err))
	c.writeErrorResponse(w, traceID, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
}

func (c *Controller) writeErrorResponse(w http.ResponseWriter, traceID string, statusCode int, code, message string) {
	c.writeJSON(w, statusCode, dto.ErrorResponse{
		TraceID:   traceID,
		Status:    statusCode,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

type validationErrorResponse struct {
	Error   string                       `json:"error"`
	Message string                       `json:"message"`
	Details []apperrors.ValidationDetail `json:"details"`
}

func (c *Controller) writeValidationError(w http.ResponseWriter, message string, details ...apperrors.ValidationDetail) {
	c.writeJSON(w, http.StatusBadRequest, validationErrorResponse{
		Error:   "VALIDATION_ERROR",
		Message: message,
		Details: details,
	})
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
	}
}
