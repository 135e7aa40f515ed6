package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/kubev2v/crate-validator/internal/config"
	handlers "github.com/kubev2v/crate-validator/internal/handlers/v1"
	"github.com/kubev2v/crate-validator/pkg/log"
	"github.com/kubev2v/crate-validator/pkg/metrics"
	"github.com/kubev2v/crate-validator/pkg/middleware"
)

type Server struct {
	cfg      *config.Config
	service  handlers.ValidationService
	listener net.Listener
	metrics  *metrics.Middleware
}

// New returns a new instance of a crate-validator API server.
func New(
	cfg *config.Config,
	service handlers.ValidationService,
	listener net.Listener,
) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		listener: listener,
		metrics:  metrics.NewMiddleware("api_server", cfg.Service.LatencyBuckets),
	}
}

// Handler builds the router serving the API.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(
		s.metrics.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.Service.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "HEAD", "OPTIONS"},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}),
		middleware.RequestID,
		log.ConditionalLogger(s.cfg.Service.LogLevel, zap.L(), "router"),
		chiMiddleware.Recoverer,
	)

	handlers.NewServiceHandler(s.service).Routes(router)
	return router
}

func (s *Server) Run(ctx context.Context) error {
	s.metrics.MustRegisterDefault()
	srv := &http.Server{
		Addr:              s.cfg.Service.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, "api_server", srv, s.listener)
}
