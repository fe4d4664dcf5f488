// Package config aggregates the call service's environment configuration.
package config

import (
	"time"

	"carelink-backend/internal/database"
	"carelink-backend/internal/storage"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/env"
)

// Config holds the full call-service configuration
type Config struct {
	Env  string
	Port string

	Postgres database.PostgresConfig
	Redis    database.RedisConfig
	Minio    storage.MinioConfig

	JWTSecret string

	// BusBackend selects the pub/sub bus: "redis" for multi-instance
	// deployments, "memory" for single-instance and development.
	BusBackend string

	RingTimeout          time.Duration
	MaxReconnectAttempts int

	QualityPollInterval  time.Duration
	PacketLossWarningPct float64
	LatencyWarningMs     float64

	RecordingRequireAllConsent bool
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetString("PORT", "8084"),

		Postgres: database.PostgresConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 5432),
			User:     env.GetString("DB_USER", "carelink"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "carelink"),
			SSLMode:  env.GetString("DB_SSLMODE", "disable"),
		},
		Redis: database.RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  5 * time.Second,
		},
		Minio: storage.MinioConfig{
			Endpoint:  env.GetString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env.GetStringFromFile("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env.GetStringFromFile("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env.GetString("MINIO_BUCKET", "call-recordings"),
			UseSSL:    env.GetBool("MINIO_USE_SSL", false),
		},

		JWTSecret: env.GetStringFromFile("JWT_SECRET", ""),

		BusBackend: env.GetString("BUS_BACKEND", "redis"),

		RingTimeout:          env.GetDuration("RING_TIMEOUT", constants.DefaultRingTimeout),
		MaxReconnectAttempts: env.GetInt("MAX_RECONNECT_ATTEMPTS", constants.DefaultMaxReconnectAttempts),

		QualityPollInterval:  env.GetDuration("QUALITY_POLL_INTERVAL", constants.QualityPollInterval),
		PacketLossWarningPct: constants.PacketLossWarningPct,
		LatencyWarningMs:     constants.LatencyWarningMs,

		RecordingRequireAllConsent: env.GetBool("RECORDING_REQUIRE_ALL_CONSENT", true),
	}
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
