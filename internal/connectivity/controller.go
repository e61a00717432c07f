package connectivity

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Controller struct {
	monitor *Monitor
	logger  *zap.Logger
}

func NewController(monitor *Monitor, logger *zap.Logger) *Controller {
	return &Controller{monitor: monitor, logger: logger}
}

// Routes mounts under /api/connectivity.
func (c *Controller) Routes(r chi.Router) {
	r.Get("/", c.GetState)
	r.Post("/retry", c.Retry)
	r.Post("/hint", c.Hint)
}

func (c *Controller) GetState(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, c.monitor.State())
}

// Retry probes synchronously and returns the resulting state.
func (c *Controller) Retry(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, c.monitor.Retry(r.Context()))
}

type hintRequest struct {
	Online *bool `json:"online"`
}

func (c *Controller) Hint(w http.ResponseWriter, r *http.Request) {
	var req hintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		c.writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "VALIDATION_ERROR",
			"message": "body must be {\"online\": true|false}",
		})
		return
	}
	c.monitor.Hint(*req.Online)
	c.writeJSON(w, http.StatusAccepted, c.monitor.State())
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
	}
}
