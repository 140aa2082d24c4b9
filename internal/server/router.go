package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LanternOps/breeze-sub017/common/httputil"
	"github.com/LanternOps/breeze-sub017/common/middleware"
	"github.com/LanternOps/breeze-sub017/internal/handlers"
)

// ReadinessCheck reports whether a dependency is ready to serve.
type ReadinessCheck func() error

// NewRouter constructs a ServeMux with the agent API routes registered.
// readiness is consulted by /readyz; nil means always ready.
func NewRouter(h *handlers.Handler, readiness ReadinessCheck) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/healthz", h.HealthCheck)

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil {
			if err := readiness(); err != nil {
				httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	mux.Handle("/metrics", promhttp.Handler())

	// Agent API
	mux.HandleFunc("PUT /api/v1/agents/{agentID}/eventlogs", h.SubmitEventLogs)

	return middleware.RequestID(middleware.AccessLog(mux))
}
