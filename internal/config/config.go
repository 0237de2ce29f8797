package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Environment string
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Redis       RedisConfig
	Vendor      VendorConfig
	Payment     PaymentConfig
	Vending     VendingConfig
	Anomaly     AnomalyConfig
	HTTP        HTTPConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL                  string
	SettlementExchange   string
	SettlementQueue      string
	SettlementRoutingKey string
	SettlementDLQQueue   string
	EventsExchange       string
	PrefetchCount        int
}

// RedisConfig holds the region cache settings
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	RegionCacheTTL time.Duration
}

// VendorConfig holds the meter-vending backend settings
type VendorConfig struct {
	BaseURL        string
	Username       string
	Password       string
	HTTPTimeout    time.Duration
	TokenTTL       time.Duration
	ChallengeTTL   time.Duration
	MaxRetries     int
	RateLimitRPS   float64
	RateLimitBurst int
	// DevAutoCode is honoured only when Environment is "development".
	DevAutoCode string
}

// PaymentConfig holds the mobile-money provider settings
type PaymentConfig struct {
	BaseURL             string
	APIKey              string
	CallbackSecret      string
	HTTPTimeout         time.Duration
	ConfirmationTimeout time.Duration
	SettlementRetention time.Duration
}

// VendingConfig holds purchase limits and pricing
type VendingConfig struct {
	MinAmount         decimal.Decimal
	MaxAmount         decimal.Decimal
	FeePercent        decimal.Decimal
	TariffRate        decimal.Decimal
	RecoverStaleAfter time.Duration
}

// AnomalyConfig holds purchase spike detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
	HistoryWindow             int
}

// HTTPConfig holds API server settings
type HTTPConfig struct {
	JWTSecret       string
	BodyLimitBytes  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "prepaid-vending-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		Environment: getEnv("ENVIRONMENT", "production"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                  getEnv("RABBITMQ_URL", ""),
			SettlementExchange:   getEnv("RABBITMQ_SETTLEMENT_EXCHANGE", "payments.settlement.exchange"),
			SettlementQueue:      getEnv("RABBITMQ_SETTLEMENT_QUEUE", "vending.payment-settlement.queue"),
			SettlementRoutingKey: getEnv("RABBITMQ_SETTLEMENT_ROUTING_KEY", "payment.settled"),
			SettlementDLQQueue:   getEnv("RABBITMQ_SETTLEMENT_DLQ_QUEUE", "vending.payment-settlement.dlq"),
			EventsExchange:       getEnv("VENDING_EVENTS_EXCHANGE", "vending.events.exchange"),
			PrefetchCount:        getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Redis: RedisConfig{
			Addr:           getEnv("REDIS_ADDR", "localhost:6379"),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			RegionCacheTTL: getEnvAsDuration("REGION_CACHE_TTL", 6*time.Hour),
		},
		Vendor: VendorConfig{
			BaseURL:        getEnv("VENDOR_BASE_URL", ""),
			Username:       getEnv("VENDOR_USERNAME", ""),
			Password:       getEnv("VENDOR_PASSWORD", ""),
			HTTPTimeout:    getEnvAsDuration("VENDOR_HTTP_TIMEOUT", 20*time.Second),
			TokenTTL:       getEnvAsDuration("VENDOR_TOKEN_TTL", 2*time.Hour),
			ChallengeTTL:   getEnvAsDuration("VENDOR_CHALLENGE_TTL", 5*time.Minute),
			MaxRetries:     getEnvAsInt("VENDOR_MAX_RETRIES", 2),
			RateLimitRPS:   getEnvAsFloat("VENDOR_RATE_LIMIT_RPS", 5),
			RateLimitBurst: getEnvAsInt("VENDOR_RATE_LIMIT_BURST", 5),
			DevAutoCode:    getEnv("VENDOR_DEV_AUTO_CODE", ""),
		},
		Payment: PaymentConfig{
			BaseURL:             getEnv("PAYMENT_BASE_URL", ""),
			APIKey:              getEnv("PAYMENT_API_KEY", ""),
			CallbackSecret:      getEnv("PAYMENT_CALLBACK_SECRET", ""),
			HTTPTimeout:         getEnvAsDuration("PAYMENT_HTTP_TIMEOUT", 15*time.Second),
			ConfirmationTimeout: getEnvAsDuration("PAYMENT_CONFIRMATION_TIMEOUT", 2*time.Minute),
			SettlementRetention: getEnvAsDuration("PAYMENT_SETTLEMENT_RETENTION", 10*time.Minute),
		},
		Vending: VendingConfig{
			MinAmount:         getEnvAsDecimal("PURCHASE_MIN_AMOUNT", decimal.NewFromInt(10)),
			MaxAmount:         getEnvAsDecimal("PURCHASE_MAX_AMOUNT", decimal.NewFromInt(150000)),
			FeePercent:        getEnvAsDecimal("VENDING_FEE_PERCENT", decimal.Zero),
			TariffRate:        getEnvAsDecimal("VENDING_TARIFF_RATE", decimal.Zero),
			RecoverStaleAfter: getEnvAsDuration("VENDING_RECOVER_STALE_AFTER", 5*time.Minute),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
			HistoryWindow:             getEnvAsInt("ANOMALY_HISTORY_WINDOW", 10),
		},
		HTTP: HTTPConfig{
			JWTSecret:       getEnv("JWT_SECRET", ""),
			BodyLimitBytes:  getEnvAsInt("BODY_LIMIT_BYTES", 1024*1024),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 3*time.Minute),
			RateLimitMax:    getEnvAsInt("RATE_LIMIT_MAX", 60),
			RateLimitWindow: getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	required := []struct {
		key   string
		value string
	}{
		{"DATABASE_URL", c.Database.URL},
		{"RABBITMQ_URL", c.RabbitMQ.URL},
		{"VENDOR_BASE_URL", c.Vendor.BaseURL},
		{"VENDOR_USERNAME", c.Vendor.Username},
		{"VENDOR_PASSWORD", c.Vendor.Password},
		{"PAYMENT_BASE_URL", c.Payment.BaseURL},
		{"JWT_SECRET", c.HTTP.JWTSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required but not set in environment variables", r.key)
		}
	}

	if c.Vendor.HTTPTimeout <= 0 || c.Payment.HTTPTimeout <= 0 || c.Payment.ConfirmationTimeout <= 0 {
		return fmt.Errorf("vendor and payment timeouts must be positive")
	}
	if !c.Vending.MinAmount.IsPositive() || c.Vending.MaxAmount.LessThan(c.Vending.MinAmount) {
		return fmt.Errorf("purchase limits invalid: min=%s max=%s", c.Vending.MinAmount, c.Vending.MaxAmount)
	}
	if c.Vending.FeePercent.IsNegative() || c.Vending.FeePercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("VENDING_FEE_PERCENT must be within [0,100], got %s", c.Vending.FeePercent)
	}

	return nil
}

// IsDevelopment reports whether development-only shortcuts may be enabled.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
