package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kombina-app/kombina/pkg/httputil"
	"github.com/kombina-app/kombina/pkg/observability"
	"github.com/kombina-app/kombina/pkg/payouts"
	"github.com/kombina-app/kombina/pkg/storage"
	"github.com/kombina-app/kombina/pkg/subscription"
)

// Server wires the billing API handlers onto a router
type Server struct {
	router  *mux.Router
	logger  *observability.Logger
	metrics *observability.Metrics
}

// RouteRegistrar is anything that can register routes on a router
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// NewServer creates a new API server. The cache and metrics may be nil.
func NewServer(subs *subscription.Service, pays *payouts.Service, cache *storage.InstructionCache, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		metrics: metrics,
	}

	s.router.Use(httputil.RecoveryMiddleware)
	s.router.Use(httputil.ContentTypeMiddleware)
	if metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	NewSubscriptionHandlers(subs, cache, logger).RegisterRoutes(s.router)
	NewWebhookHandlers(subs, cache, logger).RegisterRoutes(s.router)
	if pays != nil {
		NewPayoutHandlers(pays, logger).RegisterRoutes(s.router)
	}

	return s
}

// RegisterRoutes registers routes from an additional RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
