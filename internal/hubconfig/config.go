// Package hubconfig loads the hub's startup configuration from the
// environment, following the same getEnv/getEnvInt pattern the teacher's
// cmd/main.go uses, then validates the result with a struct-tag validator
// rather than hand-written if-checks.
package hubconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/streamspace-dev/hub/internal/validator"
)

// Config is every environment-derived setting the hub needs at startup.
// Numeric tunables default to the constants named throughout the wire
// protocol and connection-lifecycle components, each overridable so an
// operator can retune without a rebuild.
type Config struct {
	Port string `validate:"required"`

	DBHost     string `validate:"required"`
	DBPort     string `validate:"required"`
	DBUser     string `validate:"required"`
	DBPassword string
	DBName     string `validate:"required"`
	DBSSLMode  string `validate:"oneof=disable require verify-ca verify-full"`

	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string

	NATSURL string

	JWTSecretKey string `validate:"required"`
	JWTIssuer    string `validate:"required"`

	AgentBootstrapKey string `validate:"required"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	PingInterval     time.Duration `validate:"gt=0"`
	MaxMissedPings   int           `validate:"gt=0"`
	FlushInterval    time.Duration `validate:"gt=0"`
	OfflineQueueMax  int           `validate:"gt=0"`
	OfflineQueueTTL  time.Duration `validate:"gt=0"`
	AuthGrace        time.Duration `validate:"gt=0"`
	ShutdownDeadline time.Duration `validate:"gt=0"`
}

// Load reads every setting from the environment, applying the documented
// defaults for anything unset, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("HUB_PORT", "8000"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "hub"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "hub"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		RedisEnabled:  getEnv("REDIS_ENABLED", "false") == "true",
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		JWTSecretKey: os.Getenv("JWT_SECRET_KEY"),
		JWTIssuer:    getEnv("JWT_ISSUER", "streamspace-hub"),

		AgentBootstrapKey: os.Getenv("AGENT_BOOTSTRAP_KEY"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		PingInterval:     time.Duration(getEnvInt("PING_INTERVAL_SECONDS", 30)) * time.Second,
		MaxMissedPings:   getEnvInt("MAX_MISSED_PINGS", 2),
		FlushInterval:    time.Duration(getEnvInt("FLUSH_INTERVAL_MS", 100)) * time.Millisecond,
		OfflineQueueMax:  getEnvInt("OFFLINE_QUEUE_MAX", 1024),
		OfflineQueueTTL:  time.Duration(getEnvInt("OFFLINE_QUEUE_TTL_MINUTES", 15)) * time.Minute,
		AuthGrace:        time.Duration(getEnvInt("AUTH_GRACE_SECONDS", 30)) * time.Second,
		ShutdownDeadline: time.Duration(getEnvInt("SHUTDOWN_DEADLINE_SECONDS", 5)) * time.Second,
	}

	if err := validator.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
