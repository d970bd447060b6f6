package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/promo-platform/promotion-engine/pkg/db"
)

// Config aggregates everything the service reads from the environment.
type Config struct {
	HTTPAddr string

	Postgres db.PostgresConfig

	RedisAddr string
	RedisDB   int

	KafkaBrokers    []string
	RedemptionTopic string

	// ReservationTTL is how long a claim stays valid without an extend.
	ReservationTTL time.Duration
	// ReaperInterval is the sweep cadence; ArtifactGrace is how long a
	// terminal reservation's artifacts may linger before the purge pass.
	ReaperInterval time.Duration
	ArtifactGrace  time.Duration
	SweepBatchSize int

	// Broker retry policy for gateway calls.
	GatewayRetries int
	GatewayBackoff time.Duration
	CleanupWorkers int
}

// Load reads and validates the configuration, falling back to development
// defaults for anything unset.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		Postgres: db.PostgresConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "promotions"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:    splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		RedemptionTopic: getEnv("REDEMPTION_TOPIC", "promotion.redemptions"),
	}

	var err error
	if cfg.Postgres.Port, err = getEnvInt("DB_PORT", 5432); err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	if cfg.ReservationTTL, err = getEnvDuration("RESERVATION_TTL", 15*time.Minute); err != nil {
		return Config{}, fmt.Errorf("invalid RESERVATION_TTL: %w", err)
	}
	if cfg.ReaperInterval, err = getEnvDuration("REAPER_INTERVAL", time.Minute); err != nil {
		return Config{}, fmt.Errorf("invalid REAPER_INTERVAL: %w", err)
	}
	if cfg.ArtifactGrace, err = getEnvDuration("ARTIFACT_GRACE", 5*time.Minute); err != nil {
		return Config{}, fmt.Errorf("invalid ARTIFACT_GRACE: %w", err)
	}
	if cfg.GatewayBackoff, err = getEnvDuration("GATEWAY_BACKOFF", 2*time.Second); err != nil {
		return Config{}, fmt.Errorf("invalid GATEWAY_BACKOFF: %w", err)
	}

	if cfg.SweepBatchSize, err = getEnvInt("SWEEP_BATCH_SIZE", 500); err != nil {
		return Config{}, fmt.Errorf("invalid SWEEP_BATCH_SIZE: %w", err)
	}
	if cfg.GatewayRetries, err = getEnvInt("GATEWAY_RETRIES", 3); err != nil {
		return Config{}, fmt.Errorf("invalid GATEWAY_RETRIES: %w", err)
	}
	if cfg.CleanupWorkers, err = getEnvInt("CLEANUP_WORKERS", 4); err != nil {
		return Config{}, fmt.Errorf("invalid CLEANUP_WORKERS: %w", err)
	}

	if cfg.ReservationTTL <= 0 {
		return Config{}, fmt.Errorf("RESERVATION_TTL must be > 0")
	}
	if cfg.ReaperInterval <= 0 {
		return Config{}, fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if cfg.SweepBatchSize <= 0 {
		return Config{}, fmt.Errorf("SWEEP_BATCH_SIZE must be > 0")
	}
	if cfg.CleanupWorkers <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_WORKERS must be > 0")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.RedemptionTopic == "" {
		return Config{}, fmt.Errorf("REDEMPTION_TOPIC must not be empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
