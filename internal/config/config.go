// Package config loads the service's YAML configuration, merged with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fks-trading/fks-data/internal/scheduler"
	"github.com/fks-trading/fks-data/internal/secrets"
)

// Config is the full service configuration file.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Providers ProvidersConfig  `yaml:"providers"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Backfill  BackfillConfig   `yaml:"backfill"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig points at Postgres/Timescale.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig points at the response cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ProvidersConfig tunes the failover manager.
type ProvidersConfig struct {
	Priorities      map[string][]string `yaml:"priorities"`
	CooldownSeconds int                 `yaml:"cooldown_seconds"`
	VerifyEnabled   bool                `yaml:"verify_enabled"`
	VerifyTolerance float64             `yaml:"verify_tolerance"`
}

// Cooldown returns the breaker cooldown, defaulting to 30s.
func (p ProvidersConfig) Cooldown() time.Duration {
	if p.CooldownSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.CooldownSeconds) * time.Second
}

// BackfillConfig tunes the historical walk.
type BackfillConfig struct {
	RegistryPath    string  `yaml:"registry_path"`
	CSVRoot         string  `yaml:"csv_root"`
	IntervalSeconds int     `yaml:"interval_seconds"`
	TrainRatio      float64 `yaml:"train_ratio"`
	ValRatio        float64 `yaml:"val_ratio"`
	TestRatio       float64 `yaml:"test_ratio"`
}

// Interval returns the pause between backfill passes, defaulting to 1m.
func (b BackfillConfig) Interval() time.Duration {
	if b.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(b.IntervalSeconds) * time.Second
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 4200},
		Providers: ProvidersConfig{
			VerifyEnabled:   true,
			VerifyTolerance: 0.01,
		},
		Backfill: BackfillConfig{
			CSVRoot:    "data/managed",
			TrainRatio: 0.8, ValRatio: 0.1, TestRatio: 0.1,
		},
	}
}

// Load reads path (empty means defaults only) and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment environment variables override the file.
func (c *Config) applyEnv() {
	if v := secrets.EnvAny("FKS_DB_URL", "DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := secrets.EnvAny("FKS_REDIS_URL", "REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("FKS_DATA_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("FKS_DATA_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}
