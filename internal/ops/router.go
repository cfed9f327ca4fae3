// Package ops serves the operational HTTP endpoints: liveness, readiness
// and Prometheus metrics.
package ops

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessChecker reports whether the service can take traffic
type ReadinessChecker interface {
	Ready() error
}

// Handler holds the ops endpoints' dependencies
type Handler struct {
	ready    ReadinessChecker
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// NewHandler creates the ops handler
func NewHandler(ready ReadinessChecker, gatherer prometheus.Gatherer, log *zap.Logger) *Handler {
	return &Handler{ready: ready, gatherer: gatherer, log: log}
}

// Router builds a standalone ops router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.Routes(r)
	return r
}

// Routes mounts the ops endpoints on r
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// Healthz reports that the process is up
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Readyz reports whether the database and broker are reachable
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.ready.Ready(); err != nil {
		h.log.Warn("Readiness check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("unhealthy: " + err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}
