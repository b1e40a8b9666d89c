// Package config defines the YAML configuration trees for both Parley
// binaries and their loaders.
//
// Each binary has its own tree (HostConfig for parley-host, ToolsConfig for
// parley-tools). Files are parsed strictly: unknown fields are errors.
// Environment variables in the form ${VAR} are expanded before parsing, and
// a top-level $include key merges other files first (later values win).
package config

import (
	"fmt"
	"strings"
	"time"
)

// EventStoreConfig selects and tunes the event store backend.
type EventStoreConfig struct {
	// Engine is one of "memory", "sqlite", "postgres".
	Engine string `yaml:"engine"`

	// DSN is the connection string. For sqlite this is a file path or
	// ":memory:"; for postgres a standard postgres:// URL.
	DSN string `yaml:"dsn"`

	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *EventStoreConfig) applyDefaults() {
	if c.Engine == "" {
		c.Engine = "sqlite"
	}
	if c.Engine == "sqlite" && c.DSN == "" {
		c.DSN = "parley.db"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

func (c *EventStoreConfig) validate(prefix string) error {
	switch c.Engine {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("%s.dsn is required for the postgres engine", prefix)
		}
	default:
		return fmt.Errorf("%s.engine must be one of memory, sqlite, postgres (got %q)", prefix, c.Engine)
	}
	return nil
}

// CacheConfig selects the shared TTL cache backend.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *CacheConfig) applyDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
}

func (c *CacheConfig) validate(prefix string) error {
	switch c.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return fmt.Errorf("%s.redis.addr is required for the redis backend", prefix)
		}
	default:
		return fmt.Errorf("%s.backend must be one of memory, redis (got %q)", prefix, c.Backend)
	}
	return nil
}

// LoadHost reads, merges, and validates a parley-host configuration file.
func LoadHost(path string) (*HostConfig, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	var cfg HostConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadTools reads, merges, and validates a parley-tools configuration file.
func LoadTools(path string) (*ToolsConfig, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	var cfg ToolsConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
