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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Host != "localhost" {
		t.Errorf("Host = %v, want localhost", cfg.Host)
	}
	if cfg.Port != 2321 {
		t.Errorf("Port = %v, want 2321", cfg.Port)
	}
	if cfg.OutputFormat != "text" {
		t.Errorf("OutputFormat = %v, want text", cfg.OutputFormat)
	}
	if cfg.Verbose {
		t.Error("Verbose should be false by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"json output", func(c *Config) { c.OutputFormat = "json" }, false},
		{"empty host", func(c *Config) { c.Host = "" }, true},
		{"port zero", func(c *Config) { c.Port = 0 }, true},
		{"port 65535", func(c *Config) { c.Port = 65535 }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"table output", func(c *Config) { c.OutputFormat = "table" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtpmctl.yaml")
	content := "host: 10.0.0.5\nport: 4000\noutput: JSON\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("VTPMCTL_TIMEOUT", "3s")

	vp := viper.New()
	vp.SetEnvPrefix("VTPMCTL")
	vp.AutomaticEnv()
	vp.SetConfigFile(path)
	if err := vp.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error: %v", err)
	}

	cfg := NewConfig()
	if err := cfg.load(vp); err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.Host != "10.0.0.5" {
		t.Errorf("Host = %v, want 10.0.0.5", cfg.Host)
	}
	if cfg.Port != 4000 {
		t.Errorf("Port = %v, want 4000", cfg.Port)
	}
	if cfg.OutputFormat != "json" {
		t.Errorf("OutputFormat = %v, want json", cfg.OutputFormat)
	}
	if cfg.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Timeout)
	}
	if cfg.AdminURL != defaultAdminURL {
		t.Errorf("AdminURL = %v, want default", cfg.AdminURL)
	}
}

func TestConfig_LoadInvalid(t *testing.T) {
	vp := viper.New()
	vp.Set("port", 70000)

	cfg := NewConfig()
	if err := cfg.load(vp); err == nil {
		t.Error("load() should reject port 70000")
	}
}
