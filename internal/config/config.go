package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort    string
	ApiEnabled string

	VendorBaseURL string
	VendorAPIKey  string
	VendorTimeout time.Duration

	CipherBaseURL string
	CipherTimeout time.Duration

	CallbackTimeout time.Duration

	ReconcileInterval    time.Duration
	ReconcileStaleness   time.Duration
	ReconcileBatch       int
	ReconcileMaxAttempts int
	ReconcileBackoff     time.Duration
	ReconcileTxnDelay    time.Duration
}

// New loads and validates configuration from environment variables.
// The HTTP API is optional: if PAYFLOW_API_ENABLED != "true", ApiAddr()
// returns an error and the HTTP server simply won't start.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("PAYFLOW_POSTGRES_USER"),
		DBPass:  os.Getenv("PAYFLOW_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("PAYFLOW_POSTGRES_HOST"),
		DBPort:  os.Getenv("PAYFLOW_POSTGRES_PORT"),
		DBName:  os.Getenv("PAYFLOW_POSTGRES_DB"),
		SSLMode: os.Getenv("PAYFLOW_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("PAYFLOW_REDIS_HOST"),
		RedisPort: os.Getenv("PAYFLOW_REDIS_PORT"),

		NatsHost: os.Getenv("PAYFLOW_NATS_HOST"),
		NatsPort: os.Getenv("PAYFLOW_NATS_PORT"),

		ApiPort:    os.Getenv("PAYFLOW_API_PORT"),
		ApiEnabled: os.Getenv("PAYFLOW_API_ENABLED"),

		VendorBaseURL: os.Getenv("PAYFLOW_VENDOR_BASE_URL"),
		VendorAPIKey:  os.Getenv("PAYFLOW_VENDOR_API_KEY"),
		VendorTimeout: getEnvDuration("PAYFLOW_VENDOR_TIMEOUT", 15*time.Second),

		CipherBaseURL: os.Getenv("PAYFLOW_CIPHER_BASE_URL"),
		CipherTimeout: getEnvDuration("PAYFLOW_CIPHER_TIMEOUT", 5*time.Second),

		CallbackTimeout: getEnvDuration("PAYFLOW_CALLBACK_TIMEOUT", 10*time.Second),

		ReconcileInterval:    getEnvDuration("PAYFLOW_RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileStaleness:   getEnvDuration("PAYFLOW_RECONCILE_STALENESS", 20*time.Minute),
		ReconcileBatch:       getEnvInt("PAYFLOW_RECONCILE_BATCH", 50),
		ReconcileMaxAttempts: getEnvInt("PAYFLOW_RECONCILE_MAX_ATTEMPTS", 3),
		ReconcileBackoff:     getEnvDuration("PAYFLOW_RECONCILE_BACKOFF", 2*time.Second),
		ReconcileTxnDelay:    getEnvDuration("PAYFLOW_RECONCILE_TXN_DELAY", 200*time.Millisecond),
	}

	// Required: database
	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: PAYFLOW_POSTGRES_USER/HOST/DB/SSLMODE")
	}

	// Required: redis
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: PAYFLOW_REDIS_HOST/PORT")
	}

	// Required: nats (resolved-event fan-out)
	if cfg.NatsHost == "" || cfg.NatsPort == "" {
		return nil, fmt.Errorf("missing required env for nats: PAYFLOW_NATS_HOST/PORT")
	}

	// Required: vendor
	if cfg.VendorBaseURL == "" {
		return nil, fmt.Errorf("missing required env: PAYFLOW_VENDOR_BASE_URL")
	}

	// Optional: HTTP API — ApiAddr() returns an error if not enabled.
	// Optional: encryption service — empty base URL falls back to passthrough.

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// ApiAddr returns the HTTP listen address if the API is enabled.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("PAYFLOW_API_PORT is required when PAYFLOW_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (PAYFLOW_API_ENABLED != true)")
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}
