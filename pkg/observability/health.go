package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrDegraded marks a probe result that is working but impaired
var ErrDegraded = errors.New("degraded")

// Probe checks a single dependency
type Probe func(ctx context.Context) error

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type dependency struct {
	name     string
	critical bool
	probe    Probe
}

// HealthChecker aggregates dependency probes into liveness and readiness
// endpoints. A failing critical dependency makes the service unhealthy; a
// failing optional one only degrades it.
type HealthChecker struct {
	version string
	deps    []dependency
}

// NewHealthChecker creates a health checker with no dependencies
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// AddCritical registers a dependency the service cannot run without
func (h *HealthChecker) AddCritical(name string, probe Probe) *HealthChecker {
	h.deps = append(h.deps, dependency{name: name, critical: true, probe: probe})
	return h
}

// AddOptional registers a dependency whose loss only degrades the service
func (h *HealthChecker) AddOptional(name string, probe Probe) *HealthChecker {
	h.deps = append(h.deps, dependency{name: name, probe: probe})
	return h
}

// DatabaseProbe pings db and reports pool exhaustion as degraded
func DatabaseProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		stats := db.Stats()
		if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return fmt.Errorf("%w: connection pool exhausted", ErrDegraded)
		}
		return nil
	}
}

// RedisProbe pings a redis client
func RedisProbe(client redis.UniversalClient) Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Check runs every probe and folds the results
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.deps)),
	}

	for _, dep := range h.deps {
		start := time.Now()
		err := dep.probe(ctx)
		ds := DependencyStatus{
			Status:    StatusHealthy,
			LatencyMS: time.Since(start).Milliseconds(),
			Timestamp: time.Now(),
		}

		switch {
		case err == nil:
		case errors.Is(err, ErrDegraded), !dep.critical:
			ds.Status = StatusUnhealthy
			if errors.Is(err, ErrDegraded) {
				ds.Status = StatusDegraded
			}
			ds.Message = err.Error()
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		default:
			ds.Status = StatusUnhealthy
			ds.Message = err.Error()
			status.Status = StatusUnhealthy
		}
		status.Dependencies[dep.name] = ds
	}

	return status
}

// Liveness returns a simple liveness probe (always returns 200 if server is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness returns 503 when a critical dependency is down, 200 otherwise
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// RegisterRoutes registers health check endpoints
func (h *HealthChecker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", h.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", h.Readiness).Methods(http.MethodGet)
}
