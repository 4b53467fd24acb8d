package api

import (
	"net/http"
)

// HealthResponse — ответ /readyz.
type HealthResponse struct {
	Service      string            `json:"service"`
	Ready        bool              `json:"ready"`
	ConnectionUp bool              `json:"connection_up"`
	Bindings     map[string]string `json:"bindings"`
}

// Healthz — liveness: процесс отвечает.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Readyz — readiness: старт завершён и все привязки работают.
// GET /readyz
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	health := h.service.Health()

	resp := HealthResponse{
		Service:      health.Service,
		Ready:        health.Ready,
		ConnectionUp: health.ConnectionUp,
		Bindings:     make(map[string]string, len(health.Bindings)),
	}
	for queue, state := range health.Bindings {
		resp.Bindings[queue] = state.String()
	}

	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, DataResponse{Data: resp})
}
