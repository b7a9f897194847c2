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

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSignal is returned when a platform message carries a signal
	// code this server does not implement.
	ErrUnknownSignal = errors.New("protocol: unknown signal")

	// ErrPayloadTooLarge is returned when a command frame announces a
	// length above the configured maximum.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrTruncated is returned when the stream ends in the middle of a frame.
	ErrTruncated = errors.New("protocol: truncated message")

	// ErrTrailingData is returned by the buffer decoders when bytes remain
	// after a complete frame.
	ErrTrailingData = errors.New("protocol: trailing data after message")
)

// ProtocolError describes a malformed or hostile message. It is always
// confined to the connection it was read from.
type ProtocolError struct {
	// Op is the decode step that failed, e.g. "read signal".
	Op string
	// Err is one of the package sentinel errors.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
