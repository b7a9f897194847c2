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


package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jeremyhahn/go-vtpm/internal/config"
)

// Reload applies a new configuration without restarting. Only the log
// level takes effect at runtime; listener, device and admin settings need
// a restart and are reported as such.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Reloading server configuration...")

	s.reloadLogging(cfg)

	if cfg.Server != s.config.Server || cfg.Device != s.config.Device || cfg.Admin != s.config.Admin {
		s.logger.Warn("Listener, device and admin settings require a restart")
	}

	s.config.Logging = cfg.Logging
	s.logger.Info("Server configuration reloaded successfully")
	return nil
}

// reloadLogging updates the logging configuration
func (s *Server) reloadLogging(cfg *config.Config) {
	if strings.EqualFold(cfg.Logging.Level, s.config.Logging.Level) &&
		strings.EqualFold(cfg.Logging.Format, s.config.Logging.Format) {
		return
	}

	s.logger.Info("Updating logging configuration",
		slog.String("old_level", s.config.Logging.Level),
		slog.String("new_level", cfg.Logging.Level))

	s.log.SetLevel(cfg.Logging.Level)

	if !strings.EqualFold(cfg.Logging.Format, s.config.Logging.Format) {
		s.logger.Warn("Log format change requires a restart",
			slog.String("format", s.log.Format()))
	}
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	return ctx
}

// HandleReload calls load and Reload on every SIGHUP until ctx is done.
func (s *Server) HandleReload(ctx context.Context, load func() (*config.Config, error)) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hupCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				cfg, err := load()
				if err != nil {
					s.logger.Error("Failed to load configuration", slog.Any("error", err))
					continue
				}
				if err := s.Reload(cfg); err != nil {
					s.logger.Error("Failed to reload configuration", slog.Any("error", err))
				}
			}
		}
	}()
}
