// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus and emits JSON by default:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", 42).Info("Subscription activated")
//
// HTTP middleware stores a request-scoped logger in the context; handlers
// and services retrieve it tagged with the request id:
//
//	observability.FromContext(ctx).WithError(err).Warn("Checkout failed")
//
// # Prometheus Metrics
//
// Metrics are registered on an explicit registry so tests can use their own:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordWebhook("STRIPE", "applied")
//
// The Record helpers are nil-safe.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version).
//		AddCritical("database", observability.DatabaseProbe(db)).
//		AddOptional("redis", observability.RedisProbe(client))
//	checker.RegisterRoutes(router)
//
// A failing critical dependency makes /health/ready return 503; a failing
// optional one only reports degraded.
//
// # OpenTelemetry
//
// InitOTel installs OTLP/gRPC trace and metric providers when enabled.
// Flush them on exit with OTelProviders.Shutdown.
//
// # Shutdown
//
// ShutdownManager runs registered hooks last-in first-out under one
// deadline.
package observability
