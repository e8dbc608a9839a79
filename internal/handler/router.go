package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/distributor-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware портала дистрибьюторов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/session", h.CreateSession)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders", h.GetOrders)

			r.Get("/balance", h.GetBalance)
			r.Post("/payments", h.CreatePayment)

			r.Get("/ledger", h.GetLedger)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequirePrivileged)

				r.Get("/accounts", h.GetAccounts)
				r.Post("/adjustments", h.CreateAdjustment)

				r.Get("/reports/summary", h.GetSummary)
				r.Get("/reports/top", h.GetTopAccounts)

				r.Get("/reconcile", h.Reconcile)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
