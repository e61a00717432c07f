package masterdata

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"possync/internal/dto"
	apperrors "possync/internal/errors"
	"possync/internal/ids"
)

type Controller struct {
	service Service
	quote   QuoteUseCase
	logger  *zap.Logger
}

func NewController(service Service, quote QuoteUseCase, logger *zap.Logger) *Controller {
	return &Controller{
		service: service,
		quote:   quote,
		logger:  logger,
	}
}

// Routes mounts under /api/catalog.
func (c *Controller) Routes(r chi.Router) {
	r.Get("/products", c.HandleListProducts)
	r.Get("/status", c.HandleStatus)
	r.Post("/refresh", c.HandleRefresh)
	r.Post("/quote", c.HandleQuote)
}

// HandleListProducts serves ?ids=1,2,3 and ?category_id=4 from the cache.
func (c *Controller) HandleListProducts(w http.ResponseWriter, r *http.Request) {
	var productIDs []int64
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				c.writeValidationError(w, "invalid ids", apperrors.ValidationDetail{
					Field:   "ids",
					Message: "each id must be a positive integer",
				})
				return
			}
			productIDs = append(productIDs, id)
		}
	}
	if len(productIDs) > 100 {
		msg := "ids exceeds maximum of 100"
		c.writeValidationError(w, msg, apperrors.ValidationDetail{Field: "ids", Message: msg})
		return
	}

	var categoryID int64
	if raw := r.URL.Query().Get("category_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.writeValidationError(w, "invalid category_id", apperrors.ValidationDetail{
				Field:   "category_id",
				Message: "category_id must be a positive integer",
			})
			return
		}
		categoryID = id
	}

	found, notFound, err := c.service.Products(r.Context(), productIDs, categoryID)
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err)
		return
	}
	if notFound == nil {
		notFound = []int64{}
	}
	c.writeJSON(w, http.StatusOK, ProductsResponse{Products: found, NotFound: notFound})
}

func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := c.service.Status(r.Context())
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err)
		return
	}
	c.writeJSON(w, http.StatusOK, status)
}

// HandleRefresh pulls from the cloud now. While offline it fails with 502 and
// the cache keeps serving the last known catalog.
func (c *Controller) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	traceID := ids.NewTraceID()
	result, err := c.service.Refresh(r.Context())
	if err != nil {
		c.logger.Warn("catalog refresh failed", zap.String("traceId", traceID), zap.Error(err))
		c.writeErrorResponse(w, traceID, http.StatusBadGateway, "UPSTREAM_ERROR", "catalog refresh failed; cached data unchanged")
		return
	}
	c.writeJSON(w, http.StatusOK, result)
}

func (c *Controller) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeValidationError(w, "invalid JSON body", apperrors.ValidationDetail{
			Field:   "body",
			Message: "request body must be valid JSON",
		})
		return
	}

	if err := c.validateQuoteRequest(req); err != nil {
		ve, _ := apperrors.IsValidationError(err)
		c.writeValidationError(w, ve.Message, ve.Details...)
		return
	}

	resp, err := c.quote.Quote(r.Context(), req)
	if err != nil {
		c.handleError(w, ids.NewTraceID(), err)
		return
	}
	c.writeJSON(w, http.StatusOK, resp)
}

func (c *Controller) validateQuoteRequest(req QuoteRequest) error {
	var details []apperrors.ValidationDetail
	if req.ProductID <= 0 {
		details = append(details, apperrors.ValidationDetail{Field: "product_id", Message: "product_id must be a positive integer"})
	}
	if req.Quantity <= 0 {
		details = append(details, apperrors.ValidationDetail{Field: "quantity", Message: "quantity must be a positive integer"})
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("invalid quote request", details...)
	}
	return nil
}

func (c *Controller) handleError(w http.ResponseWriter, traceID string, err error) {
	if ve, ok := apperrors.IsValidationError(err); ok {
		c.writeValidationError(w, ve.Message, ve.Details...)
		return
	}
	if _, ok := apperrors.IsNotFoundError(err); ok {
		c.writeErrorResponse(w, traceID, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	c.logger.Error("catalog request failed", zap.String("traceId", traceID), zap.Error(err))
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
