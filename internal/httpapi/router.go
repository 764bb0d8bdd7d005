package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Delete("/", h.ClearCart)
		r.Post("/items", h.AddItem)
		r.Put("/items/{productID}/{size}/{color}", h.UpdateQuantity)
		r.Delete("/items/{productID}/{size}/{color}", h.RemoveItem)
		r.Post("/discount", h.ApplyDiscount)
		r.Post("/merge", h.MergeCart)
	})

	r.Post("/checkout", h.PlaceOrder)

	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.ListOrders)
		r.Get("/{orderID}", h.GetOrder)
	})

	return r
}
