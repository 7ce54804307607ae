package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/CodePair/internal/logger"
)

// SessionID stores the {id} route parameter in the request context so log
// records written while serving a session route carry its session_id.
// It must be mounted inside a chi route that declares {id}.
func SessionID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chi.URLParam(r, "id"); id != "" {
			r = r.WithContext(logger.WithSessionID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
