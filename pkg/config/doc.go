// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Configuration is read from SALON_* environment variables. A .env file
// (path overridable with SALON_ENV_FILE) is loaded first with godotenv and
// never overrides variables already set in the process environment.
//
// # Configuration Structure
//
// Server settings:
//
//	SALON_HOST="0.0.0.0"
//	SALON_PORT="8080"
//	SALON_SHUTDOWN_TIMEOUT="30s"
//
// Store settings:
//
//	SALON_STORE="postgres"  # postgres, memory
//	SALON_DATABASE_URL="postgres://localhost/salon?sslmode=disable"
//	SALON_DATABASE_REPLICA_URLS="postgres://replica1/salon,postgres://replica2/salon"
//	SALON_DATABASE_MAX_CONNS="20"
//
// Job lock settings:
//
//	SALON_REDIS_ENABLED="true"
//	SALON_REDIS_URL="redis://localhost:6379/0"
//	SALON_REDIS_LOCK_TTL="5m"
//
// Billing provider settings:
//
//	SALON_BILLING_PROVIDER="STRIPE"  # FAKE, STRIPE, RAZORPAY
//	SALON_FRONTEND_URL="https://app.example.com"
//	SALON_STRIPE_SECRET_KEY="sk_live_..."
//	SALON_STRIPE_WEBHOOK_SECRET="whsec_..."
//	SALON_STRIPE_PRICE_PRO="price_..."
//	SALON_STRIPE_PRICE_PREMIUM="price_..."
//	SALON_RAZORPAY_KEY_ID="rzp_live_..."
//	SALON_RAZORPAY_KEY_SECRET="..."
//	SALON_RAZORPAY_WEBHOOK_SECRET="..."
//
// Job settings:
//
//	SALON_RECONCILE_SCHEDULE="@every 10m"
//	SALON_EXPIRY_SCHEDULE="0 2 * * *"
//	SALON_RECONCILE_STALE_AFTER="10m"
//	SALON_PROVIDER_TIMEOUT="10s"
//	SALON_RECONCILE_MAX_RETRIES="10"
//
// Observability settings:
//
//	SALON_LOG_LEVEL="info"  # debug, info, warn, error
//	SALON_LOG_FORMAT="json" # json, text
//	SALON_METRICS_ENABLED="true"
//	SALON_OTEL_ENABLED="false"
//	SALON_OTEL_ENDPOINT="localhost:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Validate rejects a provider selection whose secrets are missing, so a
// misconfigured deployment fails at startup rather than on the first webhook.
package config
