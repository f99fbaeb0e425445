package httputil

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// RequestIDMiddleware assigns a request id, echoes it in the response and
// stores it, along with a request-scoped logger, in the request context.
func RequestIDMiddleware(logger *observability.Logger) Middleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := observability.WithRequestID(r.Context(), requestID)
			ctx = observability.WithLogger(ctx, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the status code written by the handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs each request with its status and latency. Server
// errors log at error, client errors at warn and probe traffic at debug.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		entry := observability.FromContext(r.Context()).WithFields(map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		})
		switch {
		case rw.status >= http.StatusInternalServerError:
			entry.Error("HTTP request failed")
		case rw.status >= http.StatusBadRequest:
			entry.Warn("HTTP request rejected")
		case isProbe(r.URL.Path):
			entry.Debug("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	})
}

func isProbe(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/health/")
}

// RecoveryMiddleware turns a handler panic into a 500
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.FromContext(r.Context()).WithFields(map[string]interface{}{
					"panic": rec,
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("Panic recovered in HTTP handler")
				WriteInternalError(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Chain chains multiple middleware together, outermost first
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
