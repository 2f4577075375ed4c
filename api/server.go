/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the reader frontend

ROUTE GROUPS:
  /api/chapters/*   Content reads, purchases, moderation transitions
  /api/users/*      Balances, history, credits
  /api/stories/*    Story + chapter listing
  /api/packages/*   Coin packages and the deposit flow
  /api/admin/*      Ledger listing, corrections, balance verification
  /metrics          Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/chapters", func(r chi.Router) {
			r.Post("/", h.CreateChapter)
			r.Get("/{id}/content", h.GetChapterContent)
			r.Post("/{id}/purchase", h.PurchaseChapter)
			r.Post("/{id}/submit", h.SubmitChapter)
			r.Post("/{id}/approve", h.ApproveChapter)
			r.Post("/{id}/reject", h.RejectChapter)
		})

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetUserTransactions)
			r.Post("/{id}/credits", h.CreditUser)
		})

		r.Route("/stories", func(r chi.Router) {
			r.Post("/", h.CreateStory)
			r.Get("/{id}/chapters", h.ListChapters)
		})

		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Post("/", h.CreatePackage)
			r.Post("/{id}/buy", h.BuyPackage)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/transactions", h.ListLedger)
			r.Delete("/transactions/{id}", h.DeleteTransaction)
			r.Patch("/transactions/{id}", h.AdjustTransaction)
			r.Post("/users/{id}/verify", h.VerifyUserBalance)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
