// Package config loads the hub connection settings and the local API
// settings from a YAML file, the environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAddress = errors.New("hub address is not configured")
	ErrMissingToken   = errors.New("hub access token is not configured")
	ErrInvalidAddress = errors.New("invalid hub address")
)

// Environment variables read by ApplyEnv.
const (
	EnvHubURL   = "HA_URL"
	EnvHubToken = "HA_TOKEN"
	EnvAPIPort  = "API_PORT"
	EnvLogLevel = "LOG_LEVEL"
	EnvReadOnly = "READ_ONLY"
)

// HubConfig is what the connection manager needs to reach the hub.
// Two HubConfigs are the same connection target iff they are equal.
type HubConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// Validate reports a missing address or token.
func (h HubConfig) Validate() error {
	if strings.TrimSpace(h.Address) == "" {
		return ErrMissingAddress
	}
	if strings.TrimSpace(h.Token) == "" {
		return ErrMissingToken
	}
	_, _, err := h.target()
	return err
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// Config is the full application configuration.
type Config struct {
	Hub      HubConfig   `yaml:"hub"`
	API      APIConfig   `yaml:"api"`
	Retry    RetryConfig `yaml:"retry"`
	LogLevel string      `yaml:"log_level"`
	ReadOnly bool        `yaml:"read_only"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		API:      APIConfig{Port: 8080},
		Retry:    RetryConfig{MaxAttempts: 5, Delay: 2 * time.Second},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path on top of the defaults and then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment; lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHubURL); ok && v != "" {
		c.Hub.Address = v
	}
	if v, ok := lookup(EnvHubToken); ok && v != "" {
		c.Hub.Token = v
	}
	if v, ok := lookup(EnvAPIPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvAPIPort, v, err)
		}
		c.API.Port = port
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvReadOnly); ok && v != "" {
		c.ReadOnly = v == "true"
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
