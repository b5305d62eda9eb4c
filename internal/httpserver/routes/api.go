package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/mw"
)

func init() { Register(registerAPI) }

func registerAPI(r chi.Router, d deps.Deps) {
	r.Route("/api", func(api chi.Router) {
		api.Use(mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger))

		api.With(mw.RateLimit(mw.RateLimitConfig{
			Burst:             d.TriggerBurst,
			RefillPerIPPerMin: d.TriggerRefillPerMin,
			MaxEntries:        1024,
			TrustProxy:        d.TrustProxy,
		})).Post("/reconcile", handlers.Reconcile(d))

		api.Get("/services", handlers.Services(d))
		api.Get("/services/lookup", handlers.Lookup(d))

		api.Get("/stats", handlers.Stats(d))
		api.Delete("/stats", handlers.ResetStats(d))

		api.Get("/events", handlers.Events(d))
		api.Delete("/events", handlers.ClearEvents(d))
		api.Get("/events/stats", handlers.EventStats(d))
		api.Get("/events/{id}", handlers.Event(d))

		api.Get("/pools", handlers.Pools(d))
		api.Post("/pools/sweep", handlers.SweepPools(d))
	})
}
