// Package config loads the engine's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no -config flag is given.
const DefaultConfigPath = "config.yaml"

// RedisConfig selects the Redis deployment backing the accumulator.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig controls log output and rotation.
type LoggingConfig struct {
	// File is the log file path. Empty keeps logging on stderr.
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// Config is the root configuration document.
type Config struct {
	// Environment names the deployment tier: production, staging, development.
	Environment string        `yaml:"environment"`
	Listen      string        `yaml:"listen"`
	DatabaseDSN string        `yaml:"database-dsn"`
	Redis       RedisConfig   `yaml:"redis"`
	Logging     LoggingConfig `yaml:"logging"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	var cfg Config
	if errUnmarshal := yaml.Unmarshal(raw, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
	}
	cfg.applyDefaults()

	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return nil, fmt.Errorf("config: %s: database-dsn is required", path)
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, fmt.Errorf("config: %s: redis.addr is required", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "development"
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = ":8317"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}
}

// IsProductionLike reports whether the environment is production or staging.
func (c *Config) IsProductionLike() bool {
	if c == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "production", "prod", "staging":
		return true
	default:
		return false
	}
}

// ResolveConfigPath normalizes the -config flag value into an absolute path.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = DefaultConfigPath
	}
	if abs, errAbs := filepath.Abs(trimmed); errAbs == nil {
		return abs
	}
	return trimmed
}
