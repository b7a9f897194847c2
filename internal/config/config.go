// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-vtpm.
//
// go-vtpm is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.


// Package config loads the simulator server configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

const (
	// DefaultCommandPort is the conventional simulator command port. The
	// platform port is always CommandPort+1.
	DefaultCommandPort = 2321

	// DefaultAdminPort is the admin HTTP API port.
	DefaultAdminPort = 9090

	// EngineSoft selects the pure Go engine.
	EngineSoft = "soft"

	// EngineSimulator selects the reference TPM (requires the
	// tpm_simulator build tag).
	EngineSimulator = "simulator"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Admin     AdminConfig     `yaml:"admin"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig contains the TCP listener settings
type ServerConfig struct {
	Host string `yaml:"host"`

	// CommandPort is P; the platform channel listens on P+1. Zero picks a
	// free adjacent pair.
	CommandPort     int           `yaml:"command_port"`
	MaxPayloadSize  uint32        `yaml:"max_payload_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DeviceConfig selects the execution engine and the NV image location
type DeviceConfig struct {
	Engine string `yaml:"engine"`

	// NVPath is the NV image file. Empty keeps NV in memory.
	NVPath string `yaml:"nv_path"`

	// Seed fixes the simulator engine's seed for reproducible runs.
	// Zero means random.
	Seed int64 `yaml:"seed"`

	// AutoPowerOn powers the device on and enables NV once provisioning
	// is done, before the listeners open.
	AutoPowerOn bool `yaml:"auto_power_on"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls metrics collection and the endpoint path
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig controls the admin HTTP API
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`

	// Port 0 picks a free port.
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`
}

// RateLimitConfig controls per-peer command throttling
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	CommandsPerMin int  `yaml:"commands_per_min"`
	Burst          int  `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			CommandPort:     DefaultCommandPort,
			MaxPayloadSize:  protocol.DefaultMaxPayloadSize,
			ShutdownTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			Engine:      EngineSoft,
			AutoPowerOn: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Admin: AdminConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    DefaultAdminPort,
		},
		RateLimit: RateLimitConfig{
			Enabled:        false,
			CommandsPerMin: 6000,
		},
	}
}

// Load reads configuration from a YAML file on top of Default and applies
// environment variable overrides. An empty path loads defaults and the
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies VTPM_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("VTPM_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if value := os.Getenv("VTPM_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65534 {
			slog.Warn("Ignoring invalid VTPM_PORT",
				slog.String("value", value),
				slog.Int("using", cfg.Server.CommandPort))
		} else {
			cfg.Server.CommandPort = port
		}
	}
	if level := os.Getenv("VTPM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("VTPM_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if path := os.Getenv("VTPM_NV_PATH"); path != "" {
		cfg.Device.NVPath = path
	}
	if engine := os.Getenv("VTPM_ENGINE"); engine != "" {
		cfg.Device.Engine = engine
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// The platform port is CommandPort+1 and must fit as well.
	if c.Server.CommandPort < 0 || c.Server.CommandPort > 65534 {
		return fmt.Errorf("%w: command port %d out of range 0-65534", ErrInvalidConfig, c.Server.CommandPort)
	}
	if c.Server.MaxPayloadSize < protocol.ResponseHeaderSize {
		return fmt.Errorf("%w: max_payload_size %d below %d", ErrInvalidConfig,
			c.Server.MaxPayloadSize, protocol.ResponseHeaderSize)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Device.Engine) {
	case EngineSoft, EngineSimulator:
	default:
		return fmt.Errorf("%w: unknown engine %q (must be soft or simulator)", ErrInvalidConfig, c.Device.Engine)
	}

	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("%w: invalid log level: %s (must be debug, info, warn, or error)",
			ErrInvalidConfig, c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("%w: invalid log format: %s (must be json, text, or console)",
			ErrInvalidConfig, c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics path must start with /", ErrInvalidConfig)
	}

	if c.Admin.Enabled {
		if c.Admin.Port < 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("%w: invalid admin port: %d", ErrInvalidConfig, c.Admin.Port)
		}
		if c.Admin.TLS.Enabled {
			if c.Admin.TLS.CertFile == "" {
				return fmt.Errorf("%w: TLS cert_file is required when TLS is enabled", ErrInvalidConfig)
			}
			if c.Admin.TLS.KeyFile == "" {
				return fmt.Errorf("%w: TLS key_file is required when TLS is enabled", ErrInvalidConfig)
			}
			if _, err := parseTLSVersion(c.Admin.TLS.MinVersion); err != nil {
				return err
			}
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.CommandsPerMin <= 0 {
		return fmt.Errorf("%w: commands_per_min must be positive when rate limiting is enabled", ErrInvalidConfig)
	}

	return nil
}

// PlatformPort returns the platform channel port. It is zero when the
// command port is zero and the pair is picked at bind time.
func (c *Config) PlatformPort() int {
	if c.Server.CommandPort == 0 {
		return 0
	}
	return c.Server.CommandPort + 1
}
