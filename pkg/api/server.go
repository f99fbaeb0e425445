package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pandasalon/salon-billing/pkg/httputil"
	"github.com/pandasalon/salon-billing/pkg/middleware"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

// APIPrefix is the prefix of every business route
const APIPrefix = "/api/v1"

// Dependencies wires the server. Health, Metrics, Registry and RateLimiter
// are optional.
type Dependencies struct {
	Billing         BillingService
	Recovery        RecoveryService
	Webhooks        WebhookProcessor
	SignatureHeader string
	RateLimiter     middleware.Limiter

	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Logger   *observability.Logger
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// Server is the HTTP API server
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer creates a new API server
func NewServer(deps Dependencies) *Server {
	router := mux.NewRouter()
	s := &Server{router: router}

	if deps.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(deps.Metrics))
	}

	v1 := router.PathPrefix(APIPrefix).Subrouter()
	if deps.RateLimiter != nil {
		v1.Use(middleware.TenantRateLimit(deps.RateLimiter))
	}
	s.RegisterRoutes(v1,
		NewBillingHandlers(deps.Billing),
		NewWebhookHandler(deps.Webhooks, deps.SignatureHeader),
		NewAdminHandlers(deps.Recovery, deps.Billing),
	)

	if deps.Health != nil {
		deps.Health.RegisterRoutes(router)
	}
	if deps.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(deps.Registry)).Methods("GET")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})

	chain := httputil.Chain(
		httputil.RequestIDMiddleware(deps.Logger),
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
	)
	s.handler = otelhttp.NewHandler(chain(router), "salon-billing")
	return s
}

// RegisterRoutes registers routes from each registrar on router
func (s *Server) RegisterRoutes(router *mux.Router, registrars ...RouteRegistrar) {
	for _, registrar := range registrars {
		registrar.RegisterRoutes(router)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
