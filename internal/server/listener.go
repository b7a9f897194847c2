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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeremyhahn/go-vtpm/pkg/correlation"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

// pairAttempts bounds the search for a free adjacent port pair.
const pairAttempts = 32

// listenPair binds the command channel on port and the platform channel on
// port+1. Port 0 picks a free adjacent pair.
func listenPair(host string, port int) (net.Listener, net.Listener, error) {
	if port != 0 {
		return bindPair(host, port)
	}

	var lastErr error
	for i := 0; i < pairAttempts; i++ {
		probe, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to bind command listener: %w", err)
		}
		candidate := probe.Addr().(*net.TCPAddr).Port
		if candidate >= 65535 {
			_ = probe.Close()
			continue
		}
		platform, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate+1)))
		if err != nil {
			_ = probe.Close()
			lastErr = err
			continue
		}
		return probe, platform, nil
	}
	return nil, nil, fmt.Errorf("failed to find a free port pair: %w", lastErr)
}

func bindPair(host string, port int) (net.Listener, net.Listener, error) {
	command, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind command port %d: %w", port, err)
	}
	platform, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+1)))
	if err != nil {
		_ = command.Close()
		return nil, nil, fmt.Errorf("failed to bind platform port %d: %w", port+1, err)
	}
	return command, platform, nil
}

// connHandler serves one connection until it ends.
type connHandler func(ctx context.Context, conn net.Conn, logger *slog.Logger) error

// acceptLoop accepts connections until the listener is closed. Resource
// exhaustion is retried with backoff; any other accept failure ends the
// loop and, through the errgroup, the server.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, channelName string, handle connHandler) error {
	retry := newAcceptBackoff()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !retryableAccept(err) {
				return fmt.Errorf("%s accept: %w", channelName, err)
			}

			delay := retry.NextBackOff()
			s.logger.Warn("Accept failed, retrying",
				slog.String("channel", channelName),
				slog.Duration("backoff", delay),
				slog.Any("error", err))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		retry.Reset()

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}

		s.wg.Add(1)
		go s.handleConnection(conn, channelName, handle)
	}
}

// newAcceptBackoff doubles from 5ms up to 1s and never gives up.
func newAcceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func retryableAccept(err error) bool {
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOBUFS)
}

// handleConnection runs handle with a per-connection ID and closes conn
// when it returns.
func (s *Server) handleConnection(conn net.Conn, channelName string, handle connHandler) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	tracker := metrics.NewConnectionTracker(channelName)
	defer tracker.Close()

	id := correlation.NewID()
	ctx := correlation.WithConnID(s.ctx, id)
	logger := s.log.With(
		slog.String("component", channelName),
		correlation.Attr(id),
		slog.String("remote", conn.RemoteAddr().String()))

	logger.Debug("Connection accepted")

	err := handle(ctx, conn, logger)
	switch {
	case err == nil:
	case protocol.IsProtocolError(err):
		logger.Warn("Closing connection on malformed message", slog.Any("error", err))
	case s.ctx.Err() != nil:
		// Shutdown woke the reader.
	default:
		logger.Debug("Connection ended", slog.Any("error", err))
	}

	logger.Debug("Connection closed", slog.Duration("duration", tracker.Duration()))
}

func (s *Server) serveCommand(ctx context.Context, conn net.Conn, logger *slog.Logger) error {
	return s.command.Serve(ctx, conn, ratelimit.Peer(conn.RemoteAddr()), logger)
}

func (s *Server) servePlatform(ctx context.Context, conn net.Conn, logger *slog.Logger) error {
	return s.platform.Serve(ctx, conn, logger)
}

// track registers conn. It returns false once shutdown has begun.
func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

// wakeConnections unblocks handlers waiting for the next message.
func (s *Server) wakeConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	now := time.Now()
	for conn := range s.conns {
		_ = conn.SetReadDeadline(now)
	}
}

// closeConnections force-closes every remaining connection.
func (s *Server) closeConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
