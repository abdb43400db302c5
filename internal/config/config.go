// Package config loads the process configuration for a queue node: an
// optional TOML file for static defaults, overridden by the PRISMQ_*
// environment variables of spec §6 (env always wins, matching the
// teacher's LoadConfig + applyEnvOverrides layering).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/claimer"
)

// Config holds everything a queue process needs to start.
type Config struct {
	Environment string `toml:"environment"`

	Server ServerConfig `toml:"server"`
	Queue  QueueConfig  `toml:"queue"`
	Worker WorkerConfig `toml:"worker"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"`
}

type QueueConfig struct {
	DBPath string `toml:"db_path"`
}

type WorkerConfig struct {
	ID                string          `toml:"id"`
	Capabilities      []string        `toml:"capabilities"`
	Concurrency       int             `toml:"concurrency"`
	LeaseSeconds      int             `toml:"lease_seconds"`
	HeartbeatSeconds  int             `toml:"heartbeat_seconds"`
	Strategy          claimer.Strategy `toml:"scheduling_strategy"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8085,
		},
		Queue: QueueConfig{
			DBPath: "prismq-queue.db",
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			LeaseSeconds:     300,
			HeartbeatSeconds: 15,
			Strategy:         claimer.StrategyPriority,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the first existing path in paths as TOML, falling back to
// defaults if none exist, then applies PRISMQ_* environment overrides.
func Load(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", p, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", p, err)
		}
		break
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("PRISMQ_QUEUE_DB_PATH"); v != "" {
		c.Queue.DBPath = v
	}
	if v := os.Getenv("PRISMQ_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("PRISMQ_WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	if v := os.Getenv("PRISMQ_WORKER_CAPABILITIES"); v != "" {
		c.Worker.Capabilities = strings.Split(v, ",")
	}
	if v := os.Getenv("PRISMQ_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		}
	}
	if v := os.Getenv("PRISMQ_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.LeaseSeconds = n
		}
	}
	if v := os.Getenv("PRISMQ_HEARTBEAT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.HeartbeatSeconds = n
		}
	}
	if v := os.Getenv("PRISMQ_SCHEDULING_STRATEGY"); v != "" {
		c.Worker.Strategy = claimer.Strategy(v)
	}
}

// LeaseDuration returns Worker.LeaseSeconds as a time.Duration.
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Worker.LeaseSeconds) * time.Second
}

// HeartbeatInterval returns Worker.HeartbeatSeconds as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatSeconds) * time.Second
}

// IsProduction reports whether Environment is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
