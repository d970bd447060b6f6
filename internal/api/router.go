package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promo-platform/promotion-engine/internal/api/handlers"
	"github.com/promo-platform/promotion-engine/internal/api/middleware"
	"github.com/promo-platform/promotion-engine/internal/service"
)

// NewRouter builds the HTTP router for the promotion engine.
func NewRouter(catalog *service.CatalogService, reservations *service.ReservationManager, committer *service.Committer, broker handlers.ArtifactBroker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	promotionHandler := handlers.NewPromotionHandler(catalog, committer)
	reservationHandler := handlers.NewReservationHandler(reservations, committer, broker)

	// Public endpoints
	r.Get("/promotions/active", promotionHandler.Active)
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", reservationHandler.Reserve)
		r.Get("/{id}", reservationHandler.Get)
		r.Post("/{id}/release", reservationHandler.Release)
		r.Post("/{id}/extend", reservationHandler.Extend)
		r.Post("/{id}/commit", reservationHandler.Commit)
		r.Post("/{id}/artifacts", reservationHandler.Materialize)
	})

	// Admin endpoints
	r.Route("/admin/promotions", func(r chi.Router) {
		r.Post("/", promotionHandler.Create)
		r.Get("/{id}", promotionHandler.Get)
		r.Patch("/{id}", promotionHandler.Update)
		r.Post("/{id}/status", promotionHandler.SetStatus)
		r.Post("/{id}/codes", promotionHandler.AddCode)
		r.Get("/{id}/codes", promotionHandler.ListCodes)
		r.Get("/{id}/stats", promotionHandler.Stats)
	})

	// Operational endpoints
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
