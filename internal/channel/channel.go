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

// Package channel serves the two wire channels of the simulator. The
// platform channel carries power, NV, reset, locality and cancel signals;
// the command channel carries framed TPM command buffers. Each handler
// serves a single connection until the peer disconnects, a message fails
// to decode, or the server shuts down.
package channel

import (
	"context"
	"errors"
	"io"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

// Platform is the device surface the platform channel drives.
type Platform interface {
	PowerOn() error
	PowerOff() error
	StorageOn() error
	StorageOff() error
	Reset() error
	SetLocality(locality uint8) error
	Cancel()
}

// Executor runs guarded commands. It returns device.ErrNotReady when the
// guard rejects a command.
type Executor interface {
	Execute(ctx context.Context, command []byte) ([]byte, error)
}

// readError classifies a decode failure. Clean end of stream and reads
// interrupted by shutdown end the connection without error.
func readError(ctx context.Context, channel string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) && !protocol.IsProtocolError(err) {
		return nil
	}
	if protocol.IsProtocolError(err) {
		metrics.RecordProtocolError(channel, reason(err))
	}
	return err
}

func reason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownSignal):
		return "unknown_signal"
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrTrailingData):
		return "trailing_data"
	default:
		return "malformed"
	}
}
