// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// CacheWindows holds the two refresh thresholds of one cache manager.
type CacheWindows struct {
	TTL           time.Duration `env:"TTL" envDefault:"1h"`
	ForceCooldown time.Duration `env:"FORCE_COOLDOWN" envDefault:"5m"`
}

// Config holds all application configuration.
type Config struct {
	// StoreDriver selects the freshness store backend: postgres, redis, or
	// memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`

	ContentCache CacheWindows `envPrefix:"CONTENT_CACHE_"`
	StatsCache   CacheWindows `envPrefix:"STATS_CACHE_"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks driver requirements and cache window sanity.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	for name, w := range map[string]CacheWindows{"content": c.ContentCache, "stats": c.StatsCache} {
		if w.TTL <= 0 {
			return fmt.Errorf("%s cache ttl must be positive", name)
		}
		if w.ForceCooldown <= 0 || w.ForceCooldown > w.TTL {
			return fmt.Errorf("%s cache force cooldown must be positive and at most the ttl", name)
		}
	}
	return nil
}
