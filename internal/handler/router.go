package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/order-settlement/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/quote", h.QuoteOrder)
			r.Post("/", h.SubmitOrder)
			r.Get("/{id}", h.GetOrder)
			r.Get("/{id}/fulfillment", h.ListFulfillment)
			r.Post("/{id}/fulfillment", h.CreateFulfillment)
		})

		r.Post("/fulfillment/{id}/assign", h.AssignFulfillment)
		r.Put("/fulfillment/{id}/status", h.SetFulfillmentStatus)

		r.Get("/settlement-issues", h.ListIssues)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
