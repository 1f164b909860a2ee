package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the router. metricsHandler may be nil.
func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Live updates; the upgrade needs the raw connection
		r.Get("/ws", h.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(m.Compress)
			r.Use(m.Timeout(15 * time.Second))

			// Markets
			r.Route("/markets", func(r chi.Router) {
				r.Get("/", h.ListMarkets)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetMarket)
					r.Get("/onchain", h.GetOnchainMarket)
					r.Get("/quote", h.GetQuote)
					r.Get("/trades", h.ListTrades)
				})
			})

			// Trade mirror
			r.Post("/trades", h.RecordTrade)

			// Bets
			r.Route("/bets", func(r chi.Router) {
				r.Post("/", h.PlaceBet)
				r.Get("/{id}", h.GetBet)
				r.Post("/{id}/confirm", h.ConfirmBet)
			})

			// Market administration
			r.Route("/admin/markets", func(r chi.Router) {
				r.Post("/", h.CreateMarket)
				r.Post("/{id}/resolve", h.ResolveMarket)
			})

			// Wallet
			r.Post("/wallet/shield", h.Shield)

			// User Portfolio
			r.Get("/users/{address}/balance", h.GetUserBalance)
		})
	})

	return r
}
