package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	AdminAPIKey string

	OTLPEnabled  bool
	OTLPEndpoint string
	OTLPProtocol string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Stripe         StripeConfig
	CacheTTL       time.Duration
	EventGuardTTL  time.Duration
	Reconciliation ReconciliationConfig
}

// StripeConfig carries the provider credentials and endpoint.
type StripeConfig struct {
	APIBaseURL    string
	SecretKey     string
	WebhookSecret string
}

// ReconciliationConfig controls the scheduled drift sweep.
type ReconciliationConfig struct {
	Enabled      bool
	ScheduleHour int
	LookbackDays int
	Concurrency  int
	MaxAttempts  int
	LockTTL      time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "entitled"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		AdminAPIKey: strings.TrimSpace(getenv("ADMIN_API_KEY", "")),

		OTLPEnabled:  getenvBool("OTLP_ENABLED", false),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol: strings.ToLower(getenv("OTLP_PROTOCOL", "grpc")),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "entitled"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       int(getenvInt64("REDIS_DB", 0)),

		Stripe: StripeConfig{
			APIBaseURL:    getenv("STRIPE_API_BASE_URL", "https://api.stripe.com"),
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},

		// Guard TTL must exceed Stripe's retry horizon (72h documented).
		CacheTTL:      getenvDuration("ENTITLEMENTS_CACHE_TTL", 5*time.Minute),
		EventGuardTTL: getenvDuration("EVENT_GUARD_TTL", 96*time.Hour),

		Reconciliation: ReconciliationConfig{
			Enabled:      getenvBool("RECONCILIATION_ENABLED", true),
			ScheduleHour: int(getenvInt64("RECONCILIATION_SCHEDULE_HOUR", 2)),
			LookbackDays: int(getenvInt64("RECONCILIATION_DAYS_BACK", 7)),
			Concurrency:  int(getenvInt64("RECONCILIATION_CONCURRENCY", 4)),
			MaxAttempts:  int(getenvInt64("RECONCILIATION_MAX_ATTEMPTS", 3)),
			LockTTL:      getenvDuration("RECONCILIATION_LOCK_TTL", 30*time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
