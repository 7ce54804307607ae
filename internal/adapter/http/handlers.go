package http

import (
	"net/http"

	"github.com/Strob0t/CodePair/internal/config"
	"github.com/Strob0t/CodePair/internal/service"
)

// Handlers holds the HTTP handlers of the collaboration API.
type Handlers struct {
	Sessions *service.SessionManager
	Recorder *service.SessionRecorder
	Context  *service.ContextSynchronizer
	Resolver *service.ConflictResolver
	Bus      *service.EventBus
	Limits   config.Server
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveSessions: len(h.Sessions.GetActiveSessions()),
	})
}
