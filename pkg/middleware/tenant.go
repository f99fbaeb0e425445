package middleware

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pandasalon/salon-billing/pkg/httputil"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

// TenantVar is the route variable that identifies the tenant
const TenantVar = "tenant_id"

// RateLimitResponse is the body of a 429
type RateLimitResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retry_after"`
}

// TenantRateLimit limits state-changing requests per tenant. Reads, and
// routes without a tenant_id variable, pass through. It must be installed
// with Router.Use so route variables are populated. Limiter errors fail open.
func TenantRateLimit(limiter Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := mux.Vars(r)[TenantVar]
			if !ok || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			key := "tenant:" + tenant
			cfg := limiter.Config()

			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				observability.FromContext(ctx).WithError(err).
					WithField("tenant_id", tenant).
					Warn("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerWindow))
			if !allowed {
				rateLimitExceeded(w, cfg)
				return
			}

			if remaining, err := limiter.Remaining(ctx, key); err == nil {
				w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitExceeded(w http.ResponseWriter, cfg *RateLimitConfig) {
	retryAfter := int64(math.Ceil(cfg.WindowDuration.Seconds()))
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(cfg.WindowDuration).Unix()))
	httputil.WriteJSON(w, http.StatusTooManyRequests, RateLimitResponse{
		Error:      "rate limit exceeded",
		Code:       "rate_limited",
		RetryAfter: retryAfter,
	})
}
