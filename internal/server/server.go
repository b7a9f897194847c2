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


// Package server runs the simulator: it provisions the device, binds the
// command and platform listeners and serves one goroutine per connection
// until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeremyhahn/go-vtpm/internal/admin"
	"github.com/jeremyhahn/go-vtpm/internal/channel"
	"github.com/jeremyhahn/go-vtpm/internal/config"
	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/health"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/nvram"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

// ErrNotStarted is returned by Wait before Start.
var ErrNotStarted = errors.New("server: not started")

// forceCloseGrace bounds the wait for handlers after their connections
// have been force-closed.
const forceCloseGrace = time.Second

// Server represents the simulator server with its two TCP channels
type Server struct {
	config *config.Config
	mu     sync.RWMutex
	log    *logging.Logger
	logger *slog.Logger

	store      nvram.Store
	engine     device.Engine
	controller *device.Controller

	platform *channel.PlatformHandler
	command  *channel.CommandHandler
	limiter  *ratelimit.Limiter

	healthChecker    *health.Checker
	metricsCollector *metrics.ResourceCollector
	adminServer      *admin.Server

	commandListener  net.Listener
	platformListener net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	wg           sync.WaitGroup
	started      bool
	shutdownOnce sync.Once
	shutdownErr  error
	shutdownCh   chan struct{}
}

// Option customizes a Server. Options exist for tests and embedding.
type Option func(*options)

type options struct {
	logger    *logging.Logger
	logOutput io.Writer
	store     nvram.Store
	engine    func(nvram.Store, *slog.Logger) (device.Engine, error)
}

// WithLogger uses logger instead of building one from the config.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogOutput redirects the configured logger.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithStore replaces the configured NV store.
func WithStore(store nvram.Store) Option {
	return func(o *options) { o.store = store }
}

// WithEngine replaces the configured engine. The factory receives the
// server's store.
func WithEngine(factory func(nvram.Store, *slog.Logger) (device.Engine, error)) Option {
	return func(o *options) { o.engine = factory }
}

// New creates a server and its device. It neither provisions nor binds;
// see Provision and Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(o)
	}

	log := o.logger
	if log == nil {
		log = setupLogger(cfg.Logging, o.logOutput)
	}
	logger := log.With("component", "server")

	store := o.store
	if store == nil {
		var err error
		store, err = newStore(cfg.Device)
		if err != nil {
			return nil, err
		}
	}

	engineFactory := o.engine
	if engineFactory == nil {
		engineFactory = func(store nvram.Store, logger *slog.Logger) (device.Engine, error) {
			return newEngine(cfg.Device, store, logger)
		}
	}
	engine, err := engineFactory(store, log.With("component", "engine"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	controller, err := device.NewController(&device.Config{
		Engine:  engine,
		Storage: store,
		Logger:  log.With("component", "device"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Enable()
	} else {
		metrics.Disable()
	}

	limiter := ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		CommandsPerMinute: cfg.RateLimit.CommandsPerMin,
		Burst:             cfg.RateLimit.Burst,
	})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:     cfg,
		log:        log,
		logger:     logger,
		store:      store,
		engine:     engine,
		controller: controller,
		platform:   channel.NewPlatformHandler(controller, log.With("component", "platform")),
		command: channel.NewCommandHandler(controller, channel.CommandConfig{
			MaxPayloadSize: cfg.Server.MaxPayloadSize,
			Limiter:        limiter,
			Logger:         log.With("component", "command"),
		}),
		limiter:    limiter,
		conns:      make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}

	s.initializeHealth()

	if err := s.initializeAdmin(); err != nil {
		cancel()
		limiter.Stop()
		return nil, err
	}

	return s, nil
}

// setupLogger configures the logger based on config
func setupLogger(cfg config.LoggingConfig, w io.Writer) *logging.Logger {
	return logging.New(cfg.Level, cfg.Format, w)
}

// getBuildVersion returns the module version from build info.
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// newStore opens the NV store named by the config.
func newStore(cfg config.DeviceConfig) (nvram.Store, error) {
	if cfg.NVPath == "" {
		return nvram.NewMemoryStore(), nil
	}
	store, err := nvram.NewFileStore(cfg.NVPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open NV store: %w", err)
	}
	return store, nil
}

// initializeHealth registers the readiness checks.
func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("device", health.DeviceCheck(s.controller.Snapshot))
	s.healthChecker.RegisterCheck("listeners", health.ErrorCheck("listeners", func(context.Context) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.commandListener == nil || s.platformListener == nil {
			return errors.New("listeners not bound")
		}
		if s.ctx.Err() != nil {
			return errors.New("server is shutting down")
		}
		return nil
	}))
}

// initializeAdmin builds the admin API when enabled.
func (s *Server) initializeAdmin() error {
	if !s.config.Admin.Enabled {
		return nil
	}

	tlsConfig, err := s.config.Admin.TLS.Load()
	if err != nil {
		return fmt.Errorf("failed to load admin TLS configuration: %w", err)
	}

	metricsPath := ""
	if s.config.Metrics.Enabled {
		metricsPath = s.config.Metrics.Path
	}

	s.adminServer, err = admin.NewServer(&admin.Config{
		Addr:        net.JoinHostPort(s.config.Admin.Host, fmt.Sprint(s.config.Admin.Port)),
		Device:      s.controller,
		Health:      s.healthChecker,
		MetricsPath: metricsPath,
		Version:     getBuildVersion(),
		TLSConfig:   tlsConfig,
		Logger:      s.log.With("component", "admin"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize admin API: %w", err)
	}
	return nil
}

// Start binds both channels and begins accepting connections. Provision
// must have succeeded first unless the store is already provisioned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("server: already started")
	}

	s.logger.Info("Starting vTPM server...")

	cmdLn, platLn, err := listenPair(s.config.Server.Host, s.config.Server.CommandPort)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	s.commandListener = cmdLn
	s.platformListener = platLn

	if s.adminServer != nil {
		if err := s.adminServer.Start(); err != nil {
			_ = cmdLn.Close()
			_ = platLn.Close()
			return &ExitError{Code: ExitFailure, Err: err}
		}
	}

	if s.config.Metrics.Enabled {
		s.metricsCollector = metrics.StartResourceCollector(s.ctx, 15*time.Second,
			metrics.WithDeviceSampler(s.sampleDevice))
	}

	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group
	group.Go(func() error {
		return s.acceptLoop(gctx, cmdLn, metrics.ChannelCommand, s.serveCommand)
	})
	group.Go(func() error {
		return s.acceptLoop(gctx, platLn, metrics.ChannelPlatform, s.servePlatform)
	})
	s.started = true

	s.healthChecker.MarkStarted()
	s.logger.Info("vTPM server started",
		slog.String("command_addr", cmdLn.Addr().String()),
		slog.String("platform_addr", platLn.Addr().String()))

	return nil
}

// Run starts the server and blocks until ctx is done or an accept loop
// fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			s.logger.Error("Accept loop failed", slog.Any("error", runErr))
			runErr = &ExitError{Code: ExitFailure, Err: runErr}
		}
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Wait blocks until both accept loops have returned and reports the first
// accept failure.
func (s *Server) Wait() error {
	s.mu.RLock()
	group := s.group
	s.mu.RUnlock()
	if group == nil {
		return ErrNotStarted
	}
	return group.Wait()
}

// Shutdown stops accepting, cancels in-flight commands, waits up to the
// configured timeout for handlers, force-closes what remains and flushes
// the device. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
		close(s.shutdownCh)
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server...")

	if s.metricsCollector != nil {
		s.metricsCollector.Stop()
	}
	s.healthChecker.MarkNotStarted()

	// Handlers observe ctx between messages.
	s.cancel()

	s.mu.RLock()
	listeners := []net.Listener{s.commandListener, s.platformListener}
	group := s.group
	s.mu.RUnlock()

	for _, ln := range listeners {
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Error closing listener", slog.Any("error", err))
			}
		}
	}
	if group != nil {
		_ = group.Wait()
	}

	s.controller.Cancel()
	s.wakeConnections()

	timeout := s.config.Server.ShutdownTimeout
	if !s.waitHandlers(timeout) {
		s.logger.Warn("Shutdown timeout exceeded, closing connections",
			slog.Duration("timeout", timeout))
		s.closeConnections()
		if !s.waitHandlers(forceCloseGrace) {
			s.logger.Error("Connection handlers did not exit")
		}
	}

	if s.adminServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.adminServer.Stop(ctx); err != nil {
			s.logger.Error("Error shutting down admin API", slog.Any("error", err))
		}
		cancel()
	}

	s.limiter.Stop()

	var errs []error
	if err := s.controller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	if closer, ok := s.engine.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Server shutdown incomplete", slog.Any("error", err))
		return err
	}
	s.logger.Info("Server shutdown complete")
	return nil
}

// WaitForShutdown blocks until Shutdown has completed.
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// waitHandlers waits for connection handlers and reports whether they all
// returned within d.
func (s *Server) waitHandlers(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Controller returns the device controller.
func (s *Server) Controller() *device.Controller {
	return s.controller
}

// HealthChecker returns the health checker.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// AdminServer returns the admin API server, or nil when disabled.
func (s *Server) AdminServer() *admin.Server {
	return s.adminServer
}

// CommandAddr returns the bound command channel address.
func (s *Server) CommandAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.commandListener == nil {
		return nil
	}
	return s.commandListener.Addr()
}

// PlatformAddr returns the bound platform channel address.
func (s *Server) PlatformAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.platformListener == nil {
		return nil
	}
	return s.platformListener.Addr()
}

// sampleDevice feeds the resource collector from the controller.
func (s *Server) sampleDevice() metrics.DeviceSample {
	state := s.controller.Snapshot()
	return metrics.DeviceSample{
		PoweredOn:   state.PoweredOn,
		NVEnabled:   state.StorageEnabled,
		Provisioned: state.Provisioned,
		InFlight:    state.InFlight,
	}
}
