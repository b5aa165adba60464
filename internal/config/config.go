package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration (current user is read from access tokens)
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Payment gateway configuration
	Payment PaymentConfig

	// Redis configuration (client handoff watcher)
	Redis RedisConfig

	// Kafka configuration (booking outcome events)
	Kafka KafkaConfig

	// Booking configuration
	Booking BookingConfig

	// Reconciliation configuration
	Reconciliation ReconciliationConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	AutoMigrate        bool
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret string
	Issuer string
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// PaymentConfig holds payment gateway configuration
type PaymentConfig struct {
	BaseURL            string
	ClientID           string
	ClientSecret       string // SECRET - never expose to client
	MerchantKey        string
	WebhookSecret      string // SECRET - signs webhook and redirect callbacks
	ReturnURL          string // gateway redirects the user here after payment
	WebhookURL         string // server-to-server notifications
	FrontendResultURL  string // where the redirect callback sends the browser afterwards
	Currency           string
	RequestTimeout     time.Duration
	TokenRefreshMargin time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	Brokers       []string
	BookingTopic  string
	PublishEvents bool
}

// BookingConfig holds booking creation settings
type BookingConfig struct {
	ConfirmationPolicy string // "payment_gated" or "pay_later"
	PhoneCountryCode   string // e.g. "94"; applied to customer phones in national form
}

// ReconciliationConfig holds settings for the fallback reconciliation paths
type ReconciliationConfig struct {
	HandoffPollInterval time.Duration
	HandoffMaxWatch     time.Duration
	HandoffHeartbeatTTL time.Duration
	HandoffMaxWatchers  int
	SweepSchedule       string // cron spec with seconds
	SweepStaleAfter     time.Duration
	SweepBatchSize      int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			AutoMigrate:        getEnvAsBool("DATABASE_AUTO_MIGRATE", false),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Issuer: getEnv("JWT_ISSUER", "wanderlust-auth"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Payment: PaymentConfig{
			BaseURL:            getEnv("GATEWAY_BASE_URL", ""),
			ClientID:           getEnv("GATEWAY_CLIENT_ID", ""),
			ClientSecret:       getEnv("GATEWAY_CLIENT_SECRET", ""),
			MerchantKey:        getEnv("GATEWAY_MERCHANT_KEY", ""),
			WebhookSecret:      getEnv("GATEWAY_WEBHOOK_SECRET", ""),
			ReturnURL:          getEnv("GATEWAY_RETURN_URL", ""),
			WebhookURL:         getEnv("GATEWAY_WEBHOOK_URL", ""),
			FrontendResultURL:  getEnv("FRONTEND_PAYMENT_RESULT_URL", "/"),
			Currency:           getEnv("GATEWAY_CURRENCY", "USD"),
			RequestTimeout:     time.Duration(getEnvAsInt("GATEWAY_TIMEOUT_SECONDS", 15)) * time.Second,
			TokenRefreshMargin: time.Duration(getEnvAsInt("GATEWAY_TOKEN_REFRESH_MARGIN_SECONDS", 300)) * time.Second,
			MaxRetries:         getEnvAsInt("GATEWAY_MAX_RETRIES", 3),
			RetryBaseDelay:     time.Duration(getEnvAsInt("GATEWAY_RETRY_BASE_DELAY_MS", 200)) * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			BookingTopic:  getEnv("KAFKA_BOOKING_TOPIC", "booking-outcomes"),
			PublishEvents: getEnvAsBool("KAFKA_PUBLISH_EVENTS", false),
		},
		Booking: BookingConfig{
			ConfirmationPolicy: getEnv("BOOKING_CONFIRMATION_POLICY", "payment_gated"),
			PhoneCountryCode:   getEnv("BOOKING_PHONE_COUNTRY_CODE", ""),
		},
		Reconciliation: ReconciliationConfig{
			HandoffPollInterval: time.Duration(getEnvAsInt("HANDOFF_POLL_INTERVAL_SECONDS", 3)) * time.Second,
			HandoffMaxWatch:     time.Duration(getEnvAsInt("HANDOFF_MAX_WATCH_MINUTES", 30)) * time.Minute,
			HandoffHeartbeatTTL: time.Duration(getEnvAsInt("HANDOFF_HEARTBEAT_TTL_SECONDS", 15)) * time.Second,
			HandoffMaxWatchers:  getEnvAsInt("HANDOFF_MAX_WATCHERS", 500),
			SweepSchedule:       getEnv("RECONCILE_SWEEP_SCHEDULE", "0 */5 * * * *"),
			SweepStaleAfter:     time.Duration(getEnvAsInt("RECONCILE_SWEEP_STALE_MINUTES", 20)) * time.Minute,
			SweepBatchSize:      getEnvAsInt("RECONCILE_SWEEP_BATCH_SIZE", 50),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Payment.BaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required")
	}

	// Unsigned callbacks are never accepted
	if c.Payment.WebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required")
	}

	if c.Payment.RequestTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT_SECONDS must be positive")
	}

	switch c.Booking.ConfirmationPolicy {
	case "payment_gated", "pay_later":
	default:
		return fmt.Errorf("invalid BOOKING_CONFIRMATION_POLICY: %s (must be 'payment_gated' or 'pay_later')", c.Booking.ConfirmationPolicy)
	}

	if c.Reconciliation.HandoffPollInterval <= 0 {
		return fmt.Errorf("HANDOFF_POLL_INTERVAL_SECONDS must be positive")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
