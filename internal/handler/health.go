// Package handler provides the ops HTTP endpoints: health, readiness, and
// a read-only view of the session's local state for inspection.
package handler

import (
	"net/http"

	"github.com/teamly-hr/chatstream/internal/natsconn"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	conn *natsconn.Conn
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(conn *natsconn.Conn) *HealthHandler {
	return &HealthHandler{conn: conn}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.conn == nil || !h.conn.IsConnected() {
		state := string(natsconn.StateIdle)
		if h.conn != nil {
			state = string(h.conn.State())
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "event connection not open",
			"state":  state,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"state":  string(h.conn.State()),
	})
}
