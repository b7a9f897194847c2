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

package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-vtpm/pkg/client"
)

const (
	defaultHost     = "localhost"
	defaultPort     = 2321
	defaultAdminURL = "http://localhost:9090"
	defaultTimeout  = 10 * time.Second
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// Host is the simulator host
	Host string

	// Port is the command port; signals go to Port+1
	Port int

	// AdminURL is the base URL of the admin HTTP API
	AdminURL string

	// Timeout bounds a single request, including dialing
	Timeout time.Duration

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Host:         defaultHost,
		Port:         defaultPort,
		AdminURL:     defaultAdminURL,
		Timeout:      defaultTimeout,
		OutputFormat: string(OutputFormatText),
	}
}

// load copies the merged settings out of v and validates them.
func (c *Config) load(v *viper.Viper) error {
	if v.IsSet("host") {
		c.Host = v.GetString("host")
	}
	if v.IsSet("port") {
		c.Port = v.GetInt("port")
	}
	if v.IsSet("admin-url") {
		c.AdminURL = v.GetString("admin-url")
	}
	if v.IsSet("timeout") {
		c.Timeout = v.GetDuration("timeout")
	}
	if v.IsSet("output") {
		c.OutputFormat = strings.ToLower(v.GetString("output"))
	}
	if v.IsSet("verbose") {
		c.Verbose = v.GetBool("verbose")
	}
	return c.Validate()
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65534 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65534", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch OutputFormat(c.OutputFormat) {
	case OutputFormatText, OutputFormatJSON:
	default:
		return fmt.Errorf("unknown output format: %s", c.OutputFormat)
	}
	return nil
}

// Context returns a context bounded by the configured timeout.
func (c *Config) Context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.Timeout)
}

// CreateClient connects to both simulator channels.
func (c *Config) CreateClient(ctx context.Context) (*client.Client, error) {
	cmdAddr, platAddr := client.Addrs(c.Host, c.Port)
	cl, err := client.DialConfig(ctx, &client.Config{
		CommandAddr:  cmdAddr,
		PlatformAddr: platAddr,
		DialTimeout:  c.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cmdAddr, err)
	}
	return cl, nil
}

// CreateAdminClient creates a client for the admin API.
func (c *Config) CreateAdminClient() *client.AdminClient {
	return client.NewAdminClient(strings.TrimRight(c.AdminURL, "/"), nil)
}
