// Package config loads outboxctl settings from the environment and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends understood by outboxctl.
const (
	StorageMemory   = "memory"
	StoragePebble   = "pebble"
	StorageRedis    = "redis"
	StorageMySQL    = "mysql"
	StoragePostgres = "postgres"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	// ErrInvalidConfig is returned by Validate.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config holds every outboxctl setting. Flags override these values.
type Config struct {
	Storage    string `env:"OUTBOX_STORAGE" envDefault:"pebble"`
	StorageKey string `env:"OUTBOX_STORAGE_KEY" envDefault:"outbox"`

	DataDir       string        `env:"OUTBOX_DATA_DIR" envDefault:"./outbox-data"`
	MySQLDSN      string        `env:"OUTBOX_MYSQL_DSN"`
	MySQLTable    string        `env:"OUTBOX_MYSQL_TABLE" envDefault:"outbox_queues"`
	PostgresURL   string        `env:"OUTBOX_POSTGRES_URL"`
	PostgresTable string        `env:"OUTBOX_POSTGRES_TABLE" envDefault:"outbox_queues"`
	RedisURL      string        `env:"OUTBOX_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix   string        `env:"OUTBOX_REDIS_PREFIX"`
	RedisTTL      time.Duration `env:"OUTBOX_REDIS_TTL"`

	Endpoint      string        `env:"OUTBOX_ENDPOINT"`
	HealthURL     string        `env:"OUTBOX_HEALTH_URL"`
	AuthToken     string        `env:"OUTBOX_AUTH_TOKEN"`
	ProbeInterval time.Duration `env:"OUTBOX_PROBE_INTERVAL" envDefault:"15s"`

	BaseRetryDelay time.Duration `env:"OUTBOX_BASE_RETRY_DELAY" envDefault:"1s"`
	MaxDelay       time.Duration `env:"OUTBOX_MAX_DELAY" envDefault:"30s"`
	MaxAttempts    int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	Jitter         bool          `env:"OUTBOX_JITTER" envDefault:"true"`
	SendTimeout    time.Duration `env:"OUTBOX_SEND_TIMEOUT"`

	LogLevel  string `env:"OUTBOX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OUTBOX_LOG_FORMAT" envDefault:"text"`
}

// Load reads the given .env files (or ./.env when none are given and it
// exists) and parses the environment. Variables already set win over files.
func Load(files ...string) (Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}

	return cfg, nil
}

// Validate checks the fields needed by the selected storage.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage {
	case StorageMemory:
	case StoragePebble:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data dir is required for pebble storage"))
		}
	case StorageRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis url is required for redis storage"))
		}
	case StorageMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("mysql dsn is required for mysql storage"))
		}
	case StoragePostgres:
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("postgres url is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}

	if c.StorageKey == "" {
		errs = append(errs, errors.New("storage key is required"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.BaseRetryDelay <= 0 {
		errs = append(errs, errors.New("base retry delay must be positive"))
	}
	if c.MaxDelay < 0 || c.SendTimeout < 0 || c.RedisTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}
