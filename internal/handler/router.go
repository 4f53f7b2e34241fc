package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/auctionhouse/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware аукционного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5, "application/json"))
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/bids", h.PlaceBid)

		r.Get("/items/{id}", h.GetItem)
		r.Get("/items/{id}/bids", h.GetItemBids)

		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/results", h.GetSessionResults)

		r.Route("/account", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/deposit", h.Deposit)
			r.Post("/withdraw", h.Withdraw)
			r.Get("/reconcile", h.Reconcile)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.GetOrders)
			r.Get("/{orderNo}", h.GetOrder)
			r.Post("/{orderNo}/pay", h.PayOrder)
			r.Post("/{orderNo}/receive", h.ReceiveOrder)
			r.Post("/{orderNo}/complete", h.CompleteOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.RequireAdmin)

			r.Post("/sessions", h.CreateSession)
			r.Post("/sessions/{id}/schedule", h.ScheduleSession)
			r.Post("/sessions/{id}/cancel", h.CancelSession)
			r.Post("/sessions/{id}/settle", h.SettleSession)

			r.Post("/items", h.CreateItem)
			r.Post("/items/{id}/assign", h.AssignItem)
			r.Post("/items/{id}/approve", h.ApproveItem)
			r.Post("/items/{id}/reject", h.RejectItem)
			r.Post("/items/{id}/offline", h.OfflineItem)

			r.Post("/orders/{orderNo}/ship", h.ShipOrder)
			r.Post("/orders/{orderNo}/cancel", h.CancelOrder)

			r.Get("/accounts/{userID}/reconcile", h.ReconcileAccount)

			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
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
