package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/CodePair/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router. Every route
// except recording playback passes through idempotency, which may be nil.
func MountRoutes(r chi.Router, h *Handlers, idempotency func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Playback streams; it must not be buffered for replay.
		r.Post("/recordings/{id}/play", h.PlayRecording)

		r.Group(func(r chi.Router) {
			if idempotency != nil {
				r.Use(idempotency)
			}
			mountAPI(r, h)
		})
	})
}

func mountAPI(r chi.Router, h *Handlers) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
	})

	// Sessions
	r.Get("/sessions", h.ListSessions)
	r.Post("/sessions", h.CreateSession)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Use(middleware.SessionID)

		r.Get("/", h.GetSession)
		r.Post("/join", h.JoinSession)
		r.Post("/leave", h.LeaveSession)
		r.Post("/end", h.EndSession)
		r.Post("/pause", h.PauseSession)
		r.Get("/metrics", h.GetSessionMetrics)
		r.Put("/participants/{pid}/role", h.ChangeRole)

		// Activity
		r.Post("/edits", h.SubmitEdit)
		r.Post("/messages", h.SendMessage)
		r.Post("/handoffs", h.CreateHandoff)
		r.Post("/recording", h.ToggleRecording)

		// Shared context
		r.Get("/context", h.GetSharedContext)
		r.Post("/context", h.ShareContext)
		r.Get("/context/stats", h.GetContextStats)
		r.Get("/context/sync", h.GetSyncStatus)
		r.Post("/context/sync", h.SynchronizeContext)
		r.Delete("/context/items/{itemID}", h.RemoveContextItem)
		r.Post("/context/conflicts/{cid}", h.ResolveContextConflict)

		// Conflicts
		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts/auto-resolve", h.AutoResolveConflicts)
		r.Post("/conflicts/{cid}/resolve", h.ResolveConflict)

		// Event history
		r.Get("/events", h.ListSessionEvents)
		r.Get("/events/stats", h.GetEventStats)
	})

	// Recordings
	r.Get("/recordings", handleList(h.Recorder.GetRecordings))
	r.Get("/recordings/stats", h.GetRecordingStats)
	r.Get("/recordings/{id}", handleGet(h.Recorder.GetRecording, "recording not found"))
	r.Delete("/recordings/{id}", handleDelete(h.Recorder.DeleteRecording, "recording not found"))
}
