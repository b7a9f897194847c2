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

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

// CommandConfig configures a CommandHandler.
type CommandConfig struct {
	// MaxPayloadSize bounds a command buffer. Defaults to
	// protocol.DefaultMaxPayloadSize.
	MaxPayloadSize uint32

	// Limiter throttles commands per peer. Optional.
	Limiter *ratelimit.Limiter

	Logger *slog.Logger
}

// CommandHandler forwards command buffers to the device and frames the
// responses.
type CommandHandler struct {
	exec       Executor
	maxPayload uint32
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewCommandHandler creates a handler executing on exec.
func NewCommandHandler(exec Executor, cfg CommandConfig) *CommandHandler {
	h := &CommandHandler{
		exec:       exec,
		maxPayload: cfg.MaxPayloadSize,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
	}
	if h.maxPayload == 0 {
		h.maxPayload = protocol.DefaultMaxPayloadSize
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}
	return h
}

// Serve answers every command on conn with exactly one response until the
// stream ends. peer identifies the client for rate limiting. It returns nil
// on a clean disconnect or shutdown and the decode or I/O error otherwise;
// the caller closes conn.
func (h *CommandHandler) Serve(ctx context.Context, conn io.ReadWriter, peer string, logger *slog.Logger) error {
	if logger == nil {
		logger = h.logger
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		cmd, err := protocol.ReadCommand(conn, h.maxPayload)
		if err != nil {
			return readError(ctx, metrics.ChannelCommand, err)
		}

		if h.limiter != nil {
			waited, err := h.limiter.Wait(ctx, peer)
			if waited {
				metrics.RecordRateLimited()
			}
			if err != nil {
				return nil
			}
		}

		resp := h.Handle(ctx, cmd, logger)
		if err := protocol.WriteCommand(conn, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// Handle runs one command and returns the response to send. Commands
// rejected by the guard get the fixed not-ready response; an engine that
// cannot produce a response yields TPM_RC_FAILURE.
func (h *CommandHandler) Handle(ctx context.Context, cmd []byte, logger *slog.Logger) []byte {
	if logger == nil {
		logger = h.logger
	}

	start := time.Now()
	resp, err := h.exec.Execute(ctx, cmd)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, device.ErrNotReady):
		logger.Debug("Command rejected: device not ready", slog.Int("size", len(cmd)))
		metrics.RecordCommand(metrics.ResultNotReady, elapsed.Seconds())
		return protocol.NotReadyResponse()
	case err != nil:
		logger.Error("Engine failed to execute command",
			slog.Int("size", len(cmd)),
			slog.Any("error", err))
		metrics.RecordCommand(metrics.ResultError, elapsed.Seconds())
		return protocol.ErrorResponse(tpm2.TPMRCFailure)
	}

	logger.Debug("Command executed",
		slog.Int("size", len(cmd)),
		slog.Int("response_size", len(resp)),
		slog.Duration("duration", elapsed))
	metrics.RecordCommand(metrics.ResultExecuted, elapsed.Seconds())
	return resp
}
