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


// Package admin serves the HTTP side door of the simulator: health probes,
// Prometheus metrics and a read-only view of the device state.
package admin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/health"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

// ErrNoDevice is returned by NewServer without a device.
var ErrNoDevice = errors.New("admin: device is required")

// Device is the view of the controller the admin API reads.
type Device interface {
	Snapshot() device.State
}

// Server represents the admin HTTP server.
type Server struct {
	server    *http.Server
	handlers  *handlers
	addr      string
	listener  net.Listener
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// Config holds the admin server configuration.
type Config struct {
	// Addr is the host:port to listen on. Port 0 picks a free port.
	Addr string

	// Device is the controller whose state is reported.
	Device Device

	// Health answers the probe endpoints (optional, defaults to always
	// healthy).
	Health *health.Checker

	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string

	// Limiter throttles admin requests per client (optional). Its
	// statistics are published under /api/v1/ratelimit.
	Limiter *ratelimit.Limiter

	// Version is reported by /api/v1/device.
	Version string

	// TLSConfig enables HTTPS (optional).
	TLSConfig *tls.Config

	Logger *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewServer creates a new admin server. It does not listen until Start.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Device == nil {
		return nil, ErrNoDevice
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	s := &Server{
		handlers: &handlers{
			device:  cfg.Device,
			health:  cfg.Health,
			limiter: cfg.Limiter,
			version: cfg.Version,
			logger:  log,
		},
		addr:      cfg.Addr,
		tlsConfig: cfg.TLSConfig,
		logger:    log,
	}

	s.server = &http.Server{
		Handler:      s.setupRouter(cfg.MetricsPath),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    cfg.TLSConfig,
	}
	return s, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter(metricsPath string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.recoveryMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.HTTPMiddleware)
	if s.handlers.limiter != nil && s.handlers.limiter.IsEnabled() {
		r.Use(ratelimit.Middleware(s.handlers.limiter))
	}

	r.Get("/health", s.handlers.healthHandler)
	r.Head("/health", s.handlers.healthHandler)
	r.Get("/health/live", s.handlers.livenessHandler)
	r.Get("/health/ready", s.handlers.readinessHandler)
	r.Get("/health/startup", s.handlers.startupHandler)

	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/device", s.handlers.deviceHandler)
		r.Get("/ratelimit", s.handlers.rateLimitHandler)
	})

	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves in the background. Serve errors
// other than a clean shutdown are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener %s: %w", s.addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln

	s.logger.Info("Admin API listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("tls", s.tlsConfig != nil))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API stopped", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the admin server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown admin API", slog.Any("error", err))
		return fmt.Errorf("failed to shutdown admin API: %w", err)
	}
	s.logger.Info("Admin API stopped")
	return nil
}
