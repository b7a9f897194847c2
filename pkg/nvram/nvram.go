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

// Package nvram provides the persistent NV backing of the virtual TPM: a
// single opaque image that the engine reads at power-on and rewrites when
// persistent state changes.
package nvram

import (
	"errors"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
)

var (
	// ErrDisabled is returned by Read and Write while the store is disabled.
	ErrDisabled = errors.New("nvram: store is disabled")

	// ErrEmptyPath is returned by NewFileStore for an empty path.
	ErrEmptyPath = errors.New("nvram: path cannot be empty")
)

// Store is a device.Storage that also holds the NV image.
type Store interface {
	device.Storage

	// Read returns a copy of the image, or nil when the store is empty.
	Read() ([]byte, error)

	// Write replaces the image. The write is durable when Write returns.
	Write(image []byte) error
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
