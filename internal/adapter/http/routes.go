package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/ReviewForge/internal/adapter/ws"
)

// Version is reported by GET /api/v1.
const Version = "0.1.0"

// MountRoutes registers all API routes on the given chi router. A nil hub
// leaves /ws unmounted. apiMiddleware applies to /api/v1 only, so the
// websocket upgrade sees the raw connection.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub, apiMiddleware ...func(http.Handler) http.Handler) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"status": "ok"}
		if hub != nil {
			resp["ws_connections"] = hub.ConnectionCount()
		}
		writeJSON(w, http.StatusOK, resp)
	})
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiMiddleware...)

		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)

		// Stage control
		r.Post("/sessions/{id}/advance", h.AdvanceSession)
		r.Post("/sessions/{id}/run", h.RunSession)
		r.Post("/sessions/{id}/cancel", h.CancelSession)
		r.Post("/sessions/{id}/review", h.ReviewSession)
		r.Post("/sessions/{id}/clear-failure", h.ClearFailure)
		r.Post("/sessions/{id}/archive", h.ArchiveSession)

		// Outputs
		r.Get("/sessions/{id}/stages/{stage}", h.GetStageOutput)
		r.Get("/sessions/{id}/report", h.GetReport)
	})
}
