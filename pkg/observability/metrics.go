package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook ingestion
	WebhookEventsTotal *prometheus.CounterVec

	// Subscription state machine
	ActivationsTotal             *prometheus.CounterVec
	SubscriptionTransitionsTotal *prometheus.CounterVec

	// Reconciliation
	ReconcileOutcomesTotal *prometheus.CounterVec
	ReconcileRunDuration   prometheus.Histogram

	// Provider calls
	ProviderCallDuration *prometheus.HistogramVec
	ProviderErrorsTotal  *prometheus.CounterVec

	// Scheduled jobs
	JobRunsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "salon_billing_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_webhook_events_total",
				Help: "Webhook deliveries by outcome (applied, replay, ignored, rejected, failed)",
			},
			[]string{"provider", "outcome"},
		),
		ActivationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_activations_total",
				Help: "Paid subscription activations by source",
			},
			[]string{"source"},
		),
		SubscriptionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_subscription_transitions_total",
				Help: "Subscription status transitions",
			},
			[]string{"from", "to"},
		),
		ReconcileOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_reconcile_outcomes_total",
				Help: "Per-transaction reconciliation outcomes",
			},
			[]string{"outcome"},
		),
		ReconcileRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "salon_billing_reconcile_run_duration_seconds",
				Help:    "Duration of a full reconciliation sweep",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		ProviderCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "salon_billing_provider_call_duration_seconds",
				Help:    "Latency of payment provider calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		ProviderErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_provider_errors_total",
				Help: "Failed payment provider calls",
			},
			[]string{"provider", "operation"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salon_billing_job_runs_total",
				Help: "Scheduled job runs by result",
			},
			[]string{"job", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.ActivationsTotal,
		m.SubscriptionTransitionsTotal,
		m.ReconcileOutcomesTotal,
		m.ReconcileRunDuration,
		m.ProviderCallDuration,
		m.ProviderErrorsTotal,
		m.JobRunsTotal,
	)

	return m
}

// The Record helpers accept a nil receiver so components can run without metrics.

// RecordWebhook counts a webhook delivery outcome
func (m *Metrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordActivation counts a paid activation
func (m *Metrics) RecordActivation(source string) {
	if m == nil {
		return
	}
	m.ActivationsTotal.WithLabelValues(source).Inc()
}

// RecordTransition counts a subscription status change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SubscriptionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordReconcileOutcome counts one reconciled transaction
func (m *Metrics) RecordReconcileOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveReconcileRun records a sweep duration
func (m *Metrics) ObserveReconcileRun(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRunDuration.Observe(d.Seconds())
}

// ObserveProviderCall records a provider call and its error, if any
func (m *Metrics) ObserveProviderCall(provider, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCallDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
	if err != nil {
		m.ProviderErrorsTotal.WithLabelValues(provider, operation).Inc()
	}
}

// RecordJobRun counts a scheduled job run
func (m *Metrics) RecordJobRun(job, result string) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Routes are labelled by
// their mux template so path parameters do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
