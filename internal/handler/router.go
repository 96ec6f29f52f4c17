package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/procurement-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса закупок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.CreateRequest)
				r.Get("/", h.ListRequests)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetRequest)
					r.Patch("/", h.UpdateRequest)
					r.Patch("/approve", h.Approve)
					r.Patch("/reject", h.Reject)
					r.Post("/submit-receipt", h.SubmitReceipt)
					r.Get("/extraction/{slot}", h.GetExtraction)
				})
			})

			r.Get("/finance/requests", h.FinanceRequests)
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

func requestID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}
