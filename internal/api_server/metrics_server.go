package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricServer exposes the prometheus registry. Standalone workers have no
// API server, so it also answers liveness checks on /health.
type MetricServer struct {
	listener net.Listener
	router   chi.Router
}

func NewMetricServer(listener net.Listener, health func(ctx context.Context) error) *MetricServer {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	return &MetricServer{listener: listener, router: router}
}

func (m *MetricServer) Handler() http.Handler {
	return m.router
}

func (m *MetricServer) Run(ctx context.Context) error {
	return serve(ctx, "metrics_server", &http.Server{Handler: m.router, ReadHeaderTimeout: 10 * time.Second}, m.listener)
}
