package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/ozone-quota/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/refrigerants", h.ListRefrigerants)
		r.Get("/refrigerants/{code}", h.GetRefrigerant)

		r.Route("/importers/{importerID}", func(r chi.Router) {
			r.Get("/quota", h.GetQuota)
			r.Post("/admission", h.CheckAdmission)
			r.Post("/imports", h.SubmitImport)
			r.Get("/imports", h.ListImports)
			r.Get("/settlements", h.ListSettlements)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Put("/refrigerants/{code}", h.UpsertRefrigerant)
			r.Put("/importers/{importerID}/quota", h.SetAllocation)
			r.Post("/imports/{requestID}/approve", h.ApproveImport)
			r.Post("/imports/{requestID}/reject", h.RejectImport)
			r.Post("/imports/{requestID}/settle", h.SettleImport)
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
