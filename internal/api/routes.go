package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Probes и метрики — без middleware
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	chain := Chain(
		RequestID(),
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Messages
	mux.Handle("POST /v1/messages/{queue}", chain(http.HandlerFunc(h.PublishMessage)))
	mux.Handle("POST /v1/teams/{id}/check", chain(http.HandlerFunc(h.CheckTeam)))
}

// NewMux создаёт ServeMux с зарегистрированными маршрутами.
func (h *Handler) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}
