package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teamly-hr/chatstream/internal/presence"
	"github.com/teamly-hr/chatstream/internal/store"
	"github.com/teamly-hr/chatstream/internal/subscription"
	"github.com/teamly-hr/chatstream/internal/summary"
)

// StateHandler exposes a read-only view of the reconciled session state.
// It never mutates anything; all writes flow through the event connection.
type StateHandler struct {
	store    *store.Store
	summary  *summary.Index
	presence *presence.Tracker
	registry *subscription.Registry
}

// NewStateHandler creates a state handler.
func NewStateHandler(st *store.Store, idx *summary.Index, tracker *presence.Tracker, registry *subscription.Registry) *StateHandler {
	return &StateHandler{
		store:    st,
		summary:  idx,
		presence: tracker,
		registry: registry,
	}
}

// Conversations handles GET /api/v1/conversations
func (h *StateHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.summary.Snapshot())
}

// Messages handles GET /api/v1/conversations/{id}/messages
func (h *StateHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.store.Known(id) {
		writeError(w, http.StatusNotFound, "conversation not known")
		return
	}
	writeJSON(w, http.StatusOK, h.store.Messages(id))
}

// Pinned handles GET /api/v1/conversations/{id}/pinned
func (h *StateHandler) Pinned(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.store.Known(id) {
		writeError(w, http.StatusNotFound, "conversation not known")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pinned": h.store.Pinned(id),
	})
}

// Typing handles GET /api/v1/conversations/{id}/typing
func (h *StateHandler) Typing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	typist, active := h.presence.Typist(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"typing": active,
		"sender": typist,
	})
}

// Subscriptions handles GET /api/v1/subscriptions
func (h *StateHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"topics": h.registry.Topics(),
		"groups": h.registry.GroupIDs(),
	})
}
