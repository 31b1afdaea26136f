// Package config holds application configuration for the coyote control core.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Control    ControlConfig    `yaml:"control"`
	LogLevel   string           `yaml:"log_level" default:"info"`
}

// ConnectionConfig configures the embedded DG-Lab hub and bind behavior.
type ConnectionConfig struct {
	// LocalLanIP is the address the app reaches this host on. Required unless
	// ServerURIOverride is set.
	LocalLanIP   string `yaml:"local_lan_ip" default:"127.0.0.1"`
	ServerPort   int    `yaml:"server_port" default:"5678"`
	ServerScheme string `yaml:"server_scheme" default:"ws"`
	// ServerURIOverride replaces the derived scheme://ip:port URI entirely,
	// e.g. when the hub sits behind a forwarded port.
	ServerURIOverride string        `yaml:"server_uri_override"`
	RegisterTimeout   time.Duration `yaml:"register_timeout" default:"10s"`
	BindTimeout       time.Duration `yaml:"bind_timeout" default:"60s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"20s"`
	PulseDir          string        `yaml:"pulse_dir" default:"pulses"`
}

// ControlConfig bounds channel operations.
type ControlConfig struct {
	MaxIntensity    int    `yaml:"max_intensity" default:"200"`
	DefaultPreset   string `yaml:"default_preset" default:"steady"`
	DefaultStrength int    `yaml:"default_strength" default:"10"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the rest of the system assumes.
func (c *Config) Validate() error {
	if c.Connection.ServerScheme != "ws" && c.Connection.ServerScheme != "wss" {
		return fmt.Errorf("unsupported server scheme: %q (must be ws or wss)", c.Connection.ServerScheme)
	}
	if c.Connection.ServerPort <= 0 || c.Connection.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Connection.ServerPort)
	}
	if c.Control.MaxIntensity < 0 || c.Control.MaxIntensity > 200 {
		return fmt.Errorf("max_intensity %d out of range [0, 200]", c.Control.MaxIntensity)
	}
	return nil
}

// ServerURI returns the URI the app connects (and the QR payload points) to.
func (c *Config) ServerURI() string {
	if c.Connection.ServerURIOverride != "" {
		return c.Connection.ServerURIOverride
	}
	return fmt.Sprintf("%s://%s:%d", c.Connection.ServerScheme, c.Connection.LocalLanIP, c.Connection.ServerPort)
}

// ListenAddr returns the local bind address for the embedded hub.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Connection.ServerPort)
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
