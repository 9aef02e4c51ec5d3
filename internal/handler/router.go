package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/subboost-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса subboost.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/channels/verify", h.VerifyChannel)

			r.Post("/orders/price", h.PriceQuote)
			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)
			r.Post("/orders/bulk", h.CreateBulkOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
			r.Post("/orders/{id}/retry", h.RetryOrder)

			r.Get("/balance", h.GetBalance)
			r.Post("/balance/deposit", h.CreateDeposit)
			r.Post("/balance/withdraw", h.Withdraw)

			r.Get("/transactions", h.GetTransactions)
			r.Get("/dashboard", h.GetDashboard)
		})
	})

	r.Post("/api/payments/callback", h.PaymentCallback)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
