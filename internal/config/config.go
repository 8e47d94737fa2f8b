package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName    = "shop-api"
	ServiceVersion = "1.0.0"
)

type Config struct {
	Env      string
	Port     string
	LogLevel string

	StoreDriver        string
	DatabaseURL        string
	DBMaxConns         int32
	DBMinConns         int32
	DBLockTimeout      time.Duration
	DBStatementTimeout time.Duration
	SeedFile           string

	ReservationTTL time.Duration
	SweepInterval  time.Duration
	SweepBatchSize int

	OtelEndpoint string

	PayProvider      string
	Currency         string
	StubPayURL       string
	GetnetBaseURL    string
	GetnetLogin      string
	GetnetSecretKey  string
	GetnetReturnURL  string
	GetnetCancelURL  string
	GetnetSessionTTL time.Duration
	WebhookTimeout   time.Duration
	WebhookInFlight  int

	KafkaBrokers     []string
	KafkaOrdersTopic string

	DTMServer  string
	DTMBusiURL string
}

// Load reads the configuration from the environment, falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StoreDriver: getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL: getEnv("DATABASE_URL", fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=%s",
			getEnv("DATABASE_USER", "root"),
			getEnv("DATABASE_PASSWORD", "pass"),
			getEnv("DATABASE_HOST", "localhost"),
			getEnv("DATABASE_PORT", "5432"),
			getEnv("DATABASE_NAME", "shop_db"),
			getEnv("DATABASE_SSLMODE", "disable"),
		)),

		SeedFile:     getEnv("SEED_FILE", ""),
		OtelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		PayProvider:     strings.ToLower(getEnv("PAY_PROVIDER", "stub")),
		Currency:        getEnv("CURRENCY", "CLP"),
		StubPayURL:      getEnv("STUB_PAY_URL", "https://example.com/pay-stub"),
		GetnetBaseURL:   strings.TrimRight(getEnv("GETNET_BASE_URL", ""), "/"),
		GetnetLogin:     getEnv("GETNET_LOGIN", ""),
		GetnetSecretKey: getEnv("GETNET_SECRETKEY", ""),
		GetnetReturnURL: getEnv("GETNET_RETURN_URL", ""),
		GetnetCancelURL: getEnv("GETNET_CANCEL_URL", ""),

		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaOrdersTopic: getEnv("KAFKA_ORDERS_TOPIC", "orders.paid"),

		DTMServer:  strings.TrimRight(getEnv("DTM_SERVER", ""), "/"),
		DTMBusiURL: strings.TrimRight(getEnv("DTM_BUSI_URL", "http://localhost:8080/dtm"), "/"),
	}
	if cfg.GetnetCancelURL == "" {
		cfg.GetnetCancelURL = cfg.GetnetReturnURL
	}

	var err error
	if cfg.DBMaxConns, err = getInt32("DB_MAX_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.DBMinConns, err = getInt32("DB_MIN_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.DBLockTimeout, err = getDuration("DB_LOCK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DBStatementTimeout, err = getDuration("DB_STATEMENT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.WebhookTimeout, err = getDuration("WEBHOOK_PROCESS_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	inFlight, err := getInt32("WEBHOOK_MAX_IN_FLIGHT", 64)
	if err != nil {
		return nil, err
	}
	if inFlight <= 0 {
		return nil, fmt.Errorf("WEBHOOK_MAX_IN_FLIGHT must be positive")
	}
	cfg.WebhookInFlight = int(inFlight)

	ttlMinutes, err := strconv.Atoi(getEnv("RESERVATION_TTL_MINUTES", "15"))
	if err != nil || ttlMinutes <= 0 {
		return nil, fmt.Errorf("RESERVATION_TTL_MINUTES must be a positive integer")
	}
	cfg.ReservationTTL = time.Duration(ttlMinutes) * time.Minute

	sessionMinutes, err := strconv.Atoi(getEnv("GETNET_SESSION_TTL_MINUTES", "15"))
	if err != nil || sessionMinutes <= 0 {
		return nil, fmt.Errorf("GETNET_SESSION_TTL_MINUTES must be a positive integer")
	}
	cfg.GetnetSessionTTL = time.Duration(sessionMinutes) * time.Minute

	if cfg.SweepBatchSize, err = strconv.Atoi(getEnv("SWEEP_BATCH_SIZE", "500")); err != nil {
		return nil, fmt.Errorf("SWEEP_BATCH_SIZE: %w", err)
	}

	switch cfg.StoreDriver {
	case "postgres", "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// StubWebhooksEnabled reports whether /webhooks/stub may settle orders. The stub carries no
// signature, so production only accepts it when it is the configured provider.
func (c *Config) StubWebhooksEnabled() bool {
	return !c.Production() || c.PayProvider == "stub"
}

// DTMEnabled reports whether paid notifications go through a DTM 2-phase message.
// The barrier lives in postgres, so the memory store never enables it.
func (c *Config) DTMEnabled() bool {
	return c.DTMServer != "" && c.StoreDriver == "postgres"
}

// GetnetConfigured reports whether real gateway credentials are present.
func (c *Config) GetnetConfigured() bool {
	return c.GetnetBaseURL != "" && c.GetnetLogin != "" && c.GetnetSecretKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt32(key string, defaultValue int32) (int32, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int32(n), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
