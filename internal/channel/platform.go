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
	"fmt"
	"io"
	"log/slog"

	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

// PlatformHandler applies platform signals to the device.
type PlatformHandler struct {
	platform Platform
	logger   *slog.Logger
}

// NewPlatformHandler creates a handler driving platform.
func NewPlatformHandler(platform Platform, logger *slog.Logger) *PlatformHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PlatformHandler{platform: platform, logger: logger}
}

// Serve answers every signal on conn with a status until the stream ends.
// It returns nil on a clean disconnect or shutdown and the decode or I/O
// error otherwise; the caller closes conn.
func (h *PlatformHandler) Serve(ctx context.Context, conn io.ReadWriter, logger *slog.Logger) error {
	if logger == nil {
		logger = h.logger
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := protocol.ReadPlatformMessage(conn)
		if err != nil {
			return readError(ctx, metrics.ChannelPlatform, err)
		}

		status := h.Handle(msg, logger)
		if err := protocol.WriteStatus(conn, status); err != nil {
			return fmt.Errorf("write status: %w", err)
		}
	}
}

// Handle applies one signal and returns the status to answer with.
func (h *PlatformHandler) Handle(msg protocol.PlatformMessage, logger *slog.Logger) protocol.Status {
	if logger == nil {
		logger = h.logger
	}

	var err error
	switch msg.Signal {
	case protocol.SignalPowerOn:
		err = h.platform.PowerOn()
	case protocol.SignalPowerOff:
		err = h.platform.PowerOff()
	case protocol.SignalNVOn:
		err = h.platform.StorageOn()
	case protocol.SignalNVOff:
		err = h.platform.StorageOff()
	case protocol.SignalReset:
		err = h.platform.Reset()
	case protocol.SignalSetLocality:
		err = h.platform.SetLocality(msg.Locality)
	case protocol.SignalCancel:
		h.platform.Cancel()
	default:
		err = fmt.Errorf("%w: %d", protocol.ErrUnknownSignal, uint32(msg.Signal))
	}

	if err != nil {
		logger.Warn("Platform signal rejected",
			slog.String("signal", msg.Signal.String()),
			slog.Any("error", err))
		metrics.RecordSignal(msg.Signal.String(), metrics.StatusRejected)
		return protocol.StatusRejected
	}

	logger.Debug("Platform signal applied", slog.String("signal", msg.Signal.String()))
	metrics.RecordSignal(msg.Signal.String(), metrics.StatusSuccess)
	return protocol.StatusOK
}
