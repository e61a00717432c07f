package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/dto"
	apperrors "possync/internal/errors"
	"possync/internal/ids"
	"possync/internal/order/usecase"
)

type SubmitUseCase interface {
	Submit(ctx context.Context, req dto.SubmitOrderRequest) (*usecase.SubmitResult, error)
}

type ChangeStatusUseCase interface {
	ChangeStatus(ctx context.Context, orderNumber, status, notes string) (*domain.OfflineOrder, error)
}

type QueueService interface {
	GetOrder(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error)
	ListUnsynced(ctx context.Context) ([]domain.OfflineOrder, error)
	Stats(ctx context.Context) (dto.OrderStats, error)
	RebuildQueue(ctx context.Context) (int, error)
	EnqueueUpdate(ctx context.Context, orderNumber string, update dto.UpdateOrderRequest) (*domain.OfflineOrder, error)
	PurgeSynced(ctx context.Context, olderThan time.Duration) (int64, error)
}

type OrderController struct {
	submit       SubmitUseCase
	changeStatus ChangeStatusUseCase
	queue        QueueService
	purgeAfter   time.Duration
	logger       *zap.Logger
}

// NewOrderController builds the order API. purgeAfter is the retention used
// by a purge request that names none.
func NewOrderController(submit SubmitUseCase, changeStatus ChangeStatusUseCase, queue QueueService, purgeAfter time.Duration, logger *zap.Logger) *OrderController {
	return &OrderController{
		submit:       submit,
		changeStatus: changeStatus,
		queue:        queue,
		purgeAfter:   purgeAfter,
		logger:       logger,
	}
}

// Routes mounts under /api/orders.
func (c *OrderController) Routes(r chi.Router) {
	r.Post("/", c.SubmitOrder)
	r.Get("/unsynced", c.ListUnsynced)
	r.Get("/stats", c.Stats)
	r.Post("/queue/rebuild", c.RebuildQueue)
	r.Post("/purge", c.PurgeSynced)
	r.Get("/{orderNumber}", c.GetOrder)
	r.Patch("/{orderNumber}", c.UpdateOrder)
	r.Post("/{orderNumber}/status", c.ChangeStatus)
}

func (c *OrderController) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	logger := c.logger.With(zap.String("traceId", traceID))

	var req dto.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid JSON body", zap.Error(err))
		c.writeValidationError(w, "invalid JSON body", apperrors.ValidationDetail{
			Field:   "body",
			Message: "request body must be valid JSON",
		})
		return
	}

	result, err := c.submit.Submit(r.Context(), req)
	if err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}

	status := http.StatusCreated
	if result.AlreadySeen {
		status = http.StatusOK
	}
	c.writeJSON(w, status, dto.SubmitOrderResponse{
		TraceID:     traceID,
		Order:       result.Order,
		Queued:      result.Queued,
		AlreadySeen: result.AlreadySeen,
		Timestamp:   time.Now().UTC(),
	})
}

func (c *OrderController) ListUnsynced(w http.ResponseWriter, r *http.Request) {
	orders, err := c.queue.ListUnsynced(r.Context())
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err, c.logger)
		return
	}
	if orders == nil {
		orders = []domain.OfflineOrder{}
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

func (c *OrderController) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := c.queue.GetOrder(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err, c.logger)
		return
	}
	c.writeJSON(w, http.StatusOK, order)
}

func (c *OrderController) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	logger := c.logger.With(zap.String("traceId", traceID))

	var req dto.StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeValidationError(w, "invalid JSON body", apperrors.ValidationDetail{
			Field:   "body",
			Message: "request body must be valid JSON",
		})
		return
	}
	if req.Status == "" {
		c.writeValidationError(w, "status is required", apperrors.ValidationDetail{
			Field:   "status",
			Message: "status is required",
		})
		return
	}

	order, err := c.changeStatus.ChangeStatus(r.Context(), chi.URLParam(r, "orderNumber"), req.Status, req.Notes)
	if err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}
	c.writeJSON(w, http.StatusOK, order)
}

// UpdateOrder edits customer, payment method or notes. Prices are frozen at
// capture, so any other field is rejected.
func (c *OrderController) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	logger := c.logger.With(zap.String("traceId", traceID))

	var req dto.UpdateOrderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.Warn("invalid order update body", zap.Error(err))
		c.writeValidationError(w, "invalid order update", apperrors.ValidationDetail{
			Field:   "body",
			Message: "only customer, payment_method and notes can be edited",
		})
		return
	}

	order, err := c.queue.EnqueueUpdate(r.Context(), chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		c.handleError(w, traceID, err, logger)
		return
	}
	c.writeJSON(w, http.StatusOK, order)
}

func (c *OrderController) PurgeSynced(w http.ResponseWriter, r *http.Request) {
	olderThan := c.purgeAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.writeValidationError(w, "invalid older_than", apperrors.ValidationDetail{
				Field:   "older_than",
				Message: "older_than must be a positive duration such as 168h",
			})
			return
		}
		olderThan = d
	}

	n, err := c.queue.PurgeSynced(r.Context(), olderThan)
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err, c.logger)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"purged": n, "olderThan": olderThan.String()})
}

func (c *OrderController) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.queue.Stats(r.Context())
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err, c.logger)
		return
	}
	c.writeJSON(w, http.StatusOK, stats)
}

func (c *OrderController) RebuildQueue(w http.ResponseWriter, r *http.Request) {
	n, err := c.queue.RebuildQueue(r.Context())
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err, c.logger)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}

func (c *OrderController) handleError(w http.ResponseWriter, traceID string, err error, logger *zap.Logger) {
	if ve, ok := apperrors.IsValidationError(err); ok {
		c.writeValidationError(w, ve.Message, ve.Details...)
		return
	}

	if _, ok := apperrors.IsNotFoundError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	if _, ok := apperrors.IsConflictError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusConflict, "CONFLICT", err.Error())
		return
	}

	logger.Error("unexpected error", zap.Error(err))
	c.writeErrorResponse(w, traceID, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
}

func (c *OrderController) writeErrorResponse(w http.ResponseWriter, traceID string, statusCode int, code, message string) {
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

func (c *OrderController) writeValidationError(w http.ResponseWriter, message string, details ...apperrors.ValidationDetail) {
	c.writeJSON(w, http.StatusBadRequest, validationErrorResponse{
		Error:   "VALIDATION_ERROR",
		Message: message,
		Details: details,
	})
}

func (c *OrderController) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
	}
}
