package sync

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Controller struct {
	engine *Engine
	logger *zap.Logger
}

func NewController(engine *Engine, logger *zap.Logger) *Controller {
	return &Controller{engine: engine, logger: logger}
}

// Routes mounts under /api/sync.
func (c *Controller) Routes(r chi.Router) {
	r.Get("/progress", c.GetProgress)
	r.Post("/trigger", c.TriggerSync)
}

type progressResponse struct {
	Progress
	Percentage int `json:"percentage"`
}

func (c *Controller) GetProgress(w http.ResponseWriter, r *http.Request) {
	p := c.engine.Progress()
	c.writeJSON(w, http.StatusOK, progressResponse{Progress: p, Percentage: p.Percentage()})
}

// TriggerSync runs the queue now and answers with the run's outcome.
func (c *Controller) TriggerSync(w http.ResponseWriter, r *http.Request) {
	p, err := c.engine.Run(r.Context())
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		c.writeJSON(w, http.StatusConflict, map[string]string{"error": "CONFLICT", "message": err.Error()})
	case errors.Is(err, ErrOffline):
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "OFFLINE", "message": err.Error()})
	case err != nil:
		c.logger.Error("manual sync failed", zap.Error(err))
		c.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "INTERNAL_ERROR",
			"message": "an unexpected error occurred",
		})
	default:
		c.writeJSON(w, http.StatusOK, progressResponse{Progress: p, Percentage: p.Percentage()})
	}
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
	}
}
