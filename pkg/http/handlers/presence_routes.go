package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterPresenceRoutes registers the public presence API. stream serves
// the websocket subscription and may be nil. ingest wraps signal ingestion
// only, e.g. with a rate limiter.
func RegisterPresenceRoutes(router chi.Router, handlers *PresenceHandlers, stream http.Handler, ingest ...func(http.Handler) http.Handler) {
	router.Route("/presence", func(r chi.Router) {
		// Signal ingestion
		r.With(ingest...).Post("/signals", handlers.IngestSignal)

		// Reads
		r.Post("/bulk", handlers.BulkGetPresence)

		// Notification gate
		r.Post("/notify-check", handlers.NotifyCheck)

		// Live subscription
		if stream != nil {
			r.Method(http.MethodGet, "/stream", stream)
		}

		// Relationship graph
		r.Route("/relationships", func(r chi.Router) {
			r.Put("/memberships", handlers.AddMembership)
			r.Delete("/memberships", handlers.RemoveMembership)
			r.Put("/contacts", handlers.AddContact)
			r.Delete("/contacts", handlers.RemoveContact)
		})

		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", handlers.GetPresence)
			r.Put("/visibility", handlers.UpdateVisibility)
		})
	})
}
