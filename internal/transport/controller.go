package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Controller struct {
	manager *Manager
	logger  *zap.Logger
}

func NewController(manager *Manager, logger *zap.Logger) *Controller {
	return &Controller{manager: manager, logger: logger}
}

// Routes mounts under /api/transport.
func (c *Controller) Routes(r chi.Router) {
	r.Get("/status", c.GetStatus)
	r.Post("/reconnect", c.ForceReconnect)
}

func (c *Controller) GetStatus(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, c.manager.Status())
}

func (c *Controller) ForceReconnect(w http.ResponseWriter, r *http.Request) {
	c.manager.Reconnect()
	c.writeJSON(w, http.StatusAccepted, c.manager.Status())
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		c.logger.Error("failed to encode response", zap.Error(err))
	}
}
