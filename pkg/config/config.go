// Package config loads nestsync runtime configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds runtime configuration shared by the API server and sleepctl.
type Config struct {
	Addr                 string        `env:"ADDR,default=:8080"`
	StoreBackend         string        `env:"STORE_BACKEND,default=postgres"`
	DBDSN                string        `env:"DB_DSN"`
	DBMigrate            bool          `env:"DB_MIGRATE,default=true"`
	NATSURL              string        `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	NATSStream           string        `env:"NATS_STREAM,default=NESTSYNC_SLEEP"`
	NATSStreamMaxAge     time.Duration `env:"NATS_STREAM_MAX_AGE,default=24h"`
	RealtimeEnabled      bool          `env:"REALTIME_ENABLED,default=true"`
	OTLPEndpoint         string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel             string        `env:"LOG_LEVEL,default=info"`
	LogFormat            string        `env:"LOG_FORMAT,default=json"`
	AllowedOrigins       []string      `env:"CORS_ALLOWED_ORIGINS,default=http://localhost:5173"`
	RateLimitPerMinute   int           `env:"RATE_LIMIT_PER_MINUTE,default=100"`
	TransientLogInterval time.Duration `env:"TRANSIENT_LOG_INTERVAL,default=30s"`
	ShareMigrationOnAuth bool          `env:"SHARE_MIGRATION_ON_LOGIN,default=true"`
}

// Load reads an optional .env file and returns a validated Config populated
// from environment variables.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if strings.TrimSpace(c.DBDSN) == "" {
			return errors.New("DB_DSN is required when STORE_BACKEND=postgres")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of %s, %s: got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}
	if c.RealtimeEnabled && strings.TrimSpace(c.NATSURL) == "" {
		return errors.New("NATS_URL is required when REALTIME_ENABLED=true")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel))); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console: got %q", c.LogFormat)
	}
	if c.RateLimitPerMinute < 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.TransientLogInterval < 0 {
		return errors.New("TRANSIENT_LOG_INTERVAL must not be negative")
	}
	return nil
}
