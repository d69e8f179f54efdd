package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves liveness and status endpoints.
type HealthHandler struct {
	status    func() any
	startedAt time.Time
}

// NewHealthHandler creates a HealthHandler. status supplies the market
// snapshot returned by the status endpoint.
func NewHealthHandler(status func() any) *HealthHandler {
	return &HealthHandler{
		status:    status,
		startedAt: time.Now().UTC(),
	}
}

// HealthCheck reports process liveness.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Status reports the market engine snapshot.
// GET /api/status
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}
