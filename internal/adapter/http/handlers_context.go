package http

import (
	"net/http"

	cpcontext "github.com/Strob0t/CodePair/internal/domain/context"
)

// GetSharedContext handles GET /api/v1/sessions/{id}/context
func (h *Handlers) GetSharedContext(w http.ResponseWriter, r *http.Request) {
	items, err := h.Context.GetContextForParticipant(urlParam(r, "id"), r.URL.Query().Get("participant_id"))
	if err != nil {
		writeDomainError(w, err, "session context not found")
		return
	}
	if items == nil {
		items = []cpcontext.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetContextStats handles GET /api/v1/sessions/{id}/context/stats
func (h *Handlers) GetContextStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Context.GetContextStats(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session context not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetSyncStatus handles GET /api/v1/sessions/{id}/context/sync
func (h *Handlers) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Context.GetSyncStatus(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session context not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SynchronizeContext handles POST /api/v1/sessions/{id}/context/sync
func (h *Handlers) SynchronizeContext(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Context.SynchronizeSession(r.Context(), id); err != nil {
		writeDomainError(w, err, "session context not found")
		return
	}
	st, err := h.Context.GetSyncStatus(id)
	if err != nil {
		writeDomainError(w, err, "session context not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RemoveContextItem handles DELETE /api/v1/sessions/{id}/context/items/{itemID}?participant_id=
func (h *Handlers) RemoveContextItem(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	if !requireField(w, participantID, "participant_id") {
		return
	}
	removed, err := h.Context.RemoveContextItem(urlParam(r, "id"), urlParam(r, "itemID"), participantID)
	if err != nil {
		writeDomainError(w, err, "session context not found")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "context item not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type contextConflictRequest struct {
	Accept bool `json:"accept"`
}

// ResolveContextConflict handles POST /api/v1/sessions/{id}/context/conflicts/{cid}
// Accepting applies the incoming content; rejecting discards it.
func (h *Handlers) ResolveContextConflict(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[contextConflictRequest](w, r, h.Limits.MaxRequestBodySize)
	if !ok {
		return
	}
	if err := h.Context.ResolveContextConflict(r.Context(), urlParam(r, "id"), urlParam(r, "cid"), req.Accept); err != nil {
		writeDomainError(w, err, "context conflict not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
