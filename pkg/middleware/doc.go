// Package middleware provides HTTP rate limiting for the tenant API.
//
// # Overview
//
// Upgrades, trials and cancellations are throttled per tenant so a client
// retry loop cannot flood the payment provider with checkouts.
//
// # Limiters
//
// RateLimiter: in-process token bucket
//
//	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
//	limiter.StartCleanup(ctx)
//
// DistributedRateLimiter: Redis fixed window shared by all replicas
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//
// # Usage
//
//	v1.Use(middleware.TenantRateLimit(limiter))
//
// Default: 10 requests/min per tenant, 5 burst
package middleware
