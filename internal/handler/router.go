package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/wallet-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware кошелькового сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/wallet/{ownerID}", func(r chi.Router) {
		r.Post("/deposit", h.InitiateDeposit)
		r.Post("/withdraw", h.Withdraw)
		r.Post("/purchase", h.Purchase)
		r.Post("/refund", h.Refund)
		r.Post("/freeze", h.Freeze)
		r.Post("/unfreeze", h.Unfreeze)

		r.Get("/balance", h.GetBalance)
		r.Get("/stats", h.GetStats)
		r.Get("/transactions", h.GetTransactions)
		r.Get("/audit", h.Audit)
	})

	r.Route("/api/payments", func(r chi.Router) {
		r.Get("/paypal/return", h.PayPalReturn)
		r.Post("/paypal/webhook", h.PayPalWebhook)
		r.Post("/momo/callback", h.MoMoCallback)
		r.Get("/momo/return", h.MoMoReturn)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.APIKeyMiddleware(h.bankAPIKey))
			r.Post("/sepay/webhook", h.BankWebhook)
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
