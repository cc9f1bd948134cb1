package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the gateway routes. Mutating admin routes and the
// decision path all go through the handler's authenticator; /healthz and
// /metrics are open for probes and scrapers.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/decide", h.Decide)
	mux.HandleFunc("POST /v1/outcomes", h.Outcomes)
	mux.HandleFunc("POST /v1/calibration", h.Calibration)
	mux.HandleFunc("GET /v1/decisions/{id}", h.GetDecision)
	mux.HandleFunc("POST /v1/admin/pause", h.AdminPause)
	mux.HandleFunc("POST /v1/admin/resume", h.AdminResume)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}
