// Package config loads process settings from the environment.
//
// Component packages keep their own Config and DefaultConfig. This package
// only maps environment variables onto them, so the Encore service and the
// standalone worker agree on names and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"distribution.app/pkg/bridge"
	"distribution.app/pkg/jobqueue"
	"distribution.app/pkg/kvcache"
	"distribution.app/pkg/logging"
	"distribution.app/pkg/monitoring"
	"distribution.app/pkg/projection"
	"distribution.app/pkg/refresh"
	"distribution.app/pkg/revalidate"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// ErrInvalid wraps validation failures of a loaded Config.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full process configuration.
type Config struct {
	Log   logging.Config
	Redis kvcache.RedisConfig

	Backend          string `env:"CACHE_BACKEND"     envDefault:"memory" validate:"oneof=memory redis"`
	CacheMaxEntries  int    `env:"CACHE_MAX_ENTRIES" envDefault:"10000"  validate:"gte=0"`
	DatabaseURL      string `env:"DATABASE_URL"`
	HTTPAddr         string `env:"HTTP_ADDR"         envDefault:":9090"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ViewsFile        string `env:"VIEWS_FILE"`
	RunPeriodicViews bool   `env:"REFRESH_PERIODIC"  envDefault:"true"`
	// ViewsNamespace separates the maintenance jobs and view flags of a
	// process whose view table targets its own database.
	ViewsNamespace string `env:"REFRESH_NAMESPACE" validate:"omitempty,alphanum"`

	FreshTTL        time.Duration `env:"CACHE_FRESH_TTL"       envDefault:"60s"   validate:"gt=0"`
	StaleTTL        time.Duration `env:"CACHE_STALE_TTL"       envDefault:"10m"   validate:"gtfield=FreshTTL"`
	RefreshTimeout  time.Duration `env:"CACHE_REFRESH_TIMEOUT" envDefault:"30s"   validate:"gt=0"`
	BridgeDeadline  time.Duration `env:"BRIDGE_DEADLINE"       envDefault:"500ms" validate:"gt=0"`
	SimpleEditMax   int           `env:"SIMPLE_EDIT_MAX_FIELDS" envDefault:"2"    validate:"gte=0"`
	PollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL"   envDefault:"250ms" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"      envDefault:"30s"   validate:"gt=0"`

	RefreshMaxDuration time.Duration `env:"REFRESH_MAX_DURATION"      envDefault:"10m"  validate:"gt=0"`
	CompletedRetention time.Duration `env:"QUEUE_COMPLETED_RETENTION" envDefault:"24h"  validate:"gt=0"`
	DeadRetention      time.Duration `env:"QUEUE_DEAD_RETENTION"      envDefault:"168h" validate:"gtefield=CompletedRetention"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// UseRedis reports whether the shared Redis backend is selected.
func (c Config) UseRedis() bool {
	return c.Backend == BackendRedis
}

func (c Config) RevalidateConfig() revalidate.Config {
	return revalidate.Config{
		RefreshTimeout: c.RefreshTimeout,
		FreshTTL:       c.FreshTTL,
		StaleTTL:       c.StaleTTL,
	}
}

func (c Config) QueueConfig() jobqueue.Config {
	cfg := jobqueue.DefaultConfig()
	cfg.PollInterval = c.PollInterval
	return cfg
}

func (c Config) BridgeConfig() bridge.Config {
	cfg := bridge.DefaultConfig()
	cfg.Deadline = c.BridgeDeadline
	return cfg
}

func (c Config) ProjectionConfig() projection.Config {
	cfg := projection.DefaultConfig()
	cfg.BridgeDeadline = c.BridgeDeadline
	cfg.SimpleEditMaxFields = c.SimpleEditMax
	cfg.FreshTTL = c.FreshTTL
	cfg.StaleTTL = c.StaleTTL
	return cfg
}

func (c Config) MonitoringConfig() monitoring.Config {
	return monitoring.DefaultConfig()
}

func (c Config) RefreshConfig() refresh.Config {
	cfg := refresh.DefaultConfig()
	cfg.Namespace = c.ViewsNamespace
	cfg.MaxDuration = c.RefreshMaxDuration
	return cfg
}

// ViewTable returns the refresh table from ViewsFile, or the built-in one.
func (c Config) ViewTable() (*refresh.Table, error) {
	if c.ViewsFile == "" {
		return refresh.DefaultTable(), nil
	}
	raw, err := os.ReadFile(c.ViewsFile)
	if err != nil {
		return nil, fmt.Errorf("read view table: %w", err)
	}
	return refresh.ParseTable(raw)
}
