package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// Provider names accepted in SALON_BILLING_PROVIDER
const (
	ProviderFake     = "FAKE"
	ProviderStripe   = "STRIPE"
	ProviderRazorpay = "RAZORPAY"
)

// Store backends accepted in SALON_STORE
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Jobs          JobsConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the billing store configuration
type DatabaseConfig struct {
	Store       string // postgres or memory
	URL         string
	ReplicaURLs string // comma separated
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds the optional job lock configuration
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
	LockTTL  time.Duration
}

// BillingConfig selects and configures the payment provider
type BillingConfig struct {
	Provider string

	// FrontendURL is the base for checkout and return URLs
	FrontendURL string

	// PlansFile optionally overrides the built-in plan catalog
	PlansFile string

	FakeWebhookSecret string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePricePro      string
	StripePricePremium  string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
}

// JobsConfig holds background job settings
type JobsConfig struct {
	Enabled             bool
	ReconcileSchedule   string
	ExpirySchedule      string
	StaleAfter          time.Duration
	AbandonAfter        time.Duration
	ProviderTimeout     time.Duration
	ProviderAttempts    int
	Workers             int
	BatchSize           int
	MaxReconcileRetries int
}

// RateLimitConfig throttles subscription changes per tenant. The limit is
// shared through redis when redis is enabled.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
	Burst    int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  observability.LogLevel
	LogFormat string // json or text

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelEnvironment    string
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is read first when present; real environment
// variables win over it.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(getEnv("SALON_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Billing:       loadBillingConfig(),
		Jobs:          loadJobsConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SALON_HOST", "0.0.0.0"),
		Port:            getEnv("SALON_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SALON_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SALON_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SALON_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SALON_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Store:       strings.ToLower(getEnv("SALON_STORE", StorePostgres)),
		URL:         getEnv("SALON_DATABASE_URL", ""),
		ReplicaURLs: getEnv("SALON_DATABASE_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("SALON_DATABASE_MAX_CONNS", 20),
		MinConns:    getEnvInt("SALON_DATABASE_MIN_CONNS", 2),
		Timeout:     getEnvDuration("SALON_DATABASE_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("SALON_DATABASE_MAX_LIFETIME", time.Hour),
		MaxIdleTime: getEnvDuration("SALON_DATABASE_MAX_IDLE_TIME", 10*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  getEnvBool("SALON_REDIS_ENABLED", false),
		URL:      getEnv("SALON_REDIS_URL", "redis://localhost:6379/0"),
		Password: getEnv("SALON_REDIS_PASSWORD", ""),
		DB:       getEnvInt("SALON_REDIS_DB", 0),
		PoolSize: getEnvInt("SALON_REDIS_POOL_SIZE", 10),
		LockTTL:  getEnvDuration("SALON_REDIS_LOCK_TTL", 5*time.Minute),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		Provider:              strings.ToUpper(getEnv("SALON_BILLING_PROVIDER", ProviderFake)),
		FrontendURL:           strings.TrimRight(getEnv("SALON_FRONTEND_URL", "http://localhost:5173"), "/"),
		PlansFile:             getEnv("SALON_PLANS_FILE", ""),
		FakeWebhookSecret:     getEnv("SALON_FAKE_WEBHOOK_SECRET", "fake-secret"),
		StripeSecretKey:       getEnv("SALON_STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   getEnv("SALON_STRIPE_WEBHOOK_SECRET", ""),
		StripePricePro:        getEnv("SALON_STRIPE_PRICE_PRO", ""),
		StripePricePremium:    getEnv("SALON_STRIPE_PRICE_PREMIUM", ""),
		RazorpayKeyID:         getEnv("SALON_RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     getEnv("SALON_RAZORPAY_KEY_SECRET", ""),
		RazorpayWebhookSecret: getEnv("SALON_RAZORPAY_WEBHOOK_SECRET", ""),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		Enabled:             getEnvBool("SALON_JOBS_ENABLED", true),
		ReconcileSchedule:   getEnv("SALON_RECONCILE_SCHEDULE", "@every 10m"),
		ExpirySchedule:      getEnv("SALON_EXPIRY_SCHEDULE", "0 2 * * *"),
		StaleAfter:          getEnvDuration("SALON_RECONCILE_STALE_AFTER", 10*time.Minute),
		AbandonAfter:        getEnvDuration("SALON_RECONCILE_ABANDON_AFTER", time.Hour),
		ProviderTimeout:     getEnvDuration("SALON_PROVIDER_TIMEOUT", 10*time.Second),
		ProviderAttempts:    getEnvInt("SALON_PROVIDER_ATTEMPTS", 3),
		Workers:             getEnvInt("SALON_RECONCILE_WORKERS", 4),
		BatchSize:           getEnvInt("SALON_RECONCILE_BATCH_SIZE", 200),
		MaxReconcileRetries: getEnvInt("SALON_RECONCILE_MAX_RETRIES", 10),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:  getEnvBool("SALON_RATE_LIMIT_ENABLED", true),
		Requests: getEnvInt("SALON_RATE_LIMIT_REQUESTS", 10),
		Window:   getEnvDuration("SALON_RATE_LIMIT_WINDOW", time.Minute),
		Burst:    getEnvInt("SALON_RATE_LIMIT_BURST", 5),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("SALON_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("SALON_LOG_FORMAT", "json")),
		MetricsEnabled:     getEnvBool("SALON_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SALON_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SALON_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SALON_OTEL_SERVICE_NAME", "salon-billing"),
		OTelServiceVersion: getEnv("SALON_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SALON_OTEL_INSECURE", true),
		OTelEnvironment:    getEnv("SALON_OTEL_ENVIRONMENT", "production"),
		OTelSampleRatio:    getEnvFloat("SALON_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("SALON_DATABASE_URL is required for the postgres store")
		}
		if c.Database.MaxConns <= 0 || c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("invalid database pool bounds: min %d, max %d", c.Database.MinConns, c.Database.MaxConns)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("invalid store: %s (must be postgres or memory)", c.Database.Store)
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when redis is enabled")
	}

	if err := c.Billing.Validate(); err != nil {
		return err
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("reconcile workers must be positive")
	}
	if c.Jobs.ProviderAttempts <= 0 {
		return fmt.Errorf("provider attempts must be positive")
	}
	if c.Jobs.MaxReconcileRetries <= 0 {
		return fmt.Errorf("max reconcile retries must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %v", r)
		}
	}

	return nil
}

// Validate checks that the selected provider has its secrets
func (b BillingConfig) Validate() error {
	switch b.Provider {
	case ProviderFake:
		if b.FakeWebhookSecret == "" {
			return fmt.Errorf("SALON_FAKE_WEBHOOK_SECRET is required for the fake provider")
		}
	case ProviderStripe:
		var missing []string
		if b.StripeSecretKey == "" {
			missing = append(missing, "SALON_STRIPE_SECRET_KEY")
		}
		if b.StripeWebhookSecret == "" {
			missing = append(missing, "SALON_STRIPE_WEBHOOK_SECRET")
		}
		if b.StripePricePro == "" {
			missing = append(missing, "SALON_STRIPE_PRICE_PRO")
		}
		if b.StripePricePremium == "" {
			missing = append(missing, "SALON_STRIPE_PRICE_PREMIUM")
		}
		if len(missing) > 0 {
			return fmt.Errorf("stripe provider is missing %s", strings.Join(missing, ", "))
		}
	case ProviderRazorpay:
		var missing []string
		if b.RazorpayKeyID == "" {
			missing = append(missing, "SALON_RAZORPAY_KEY_ID")
		}
		if b.RazorpayKeySecret == "" {
			missing = append(missing, "SALON_RAZORPAY_KEY_SECRET")
		}
		if b.RazorpayWebhookSecret == "" {
			missing = append(missing, "SALON_RAZORPAY_WEBHOOK_SECRET")
		}
		if len(missing) > 0 {
			return fmt.Errorf("razorpay provider is missing %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("invalid billing provider: %s (must be FAKE, STRIPE or RAZORPAY)", b.Provider)
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
