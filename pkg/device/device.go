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

// Package device implements the lifecycle controller of the virtual TPM:
// power and NV availability, provisioning (manufacture) and teardown, and
// the admission guard every command passes before it reaches the engine.
//
// The controller has no network awareness. Both the platform and the command
// channel share a single *Controller, and every state mutation and guard
// check is serialized through it.
package device

import "context"

// Engine executes TPM command buffers. Implementations must be safe for
// concurrent use; the controller calls Execute outside its own lock.
type Engine interface {
	// Execute runs one command and returns the complete response buffer.
	// Command-level failures are encoded in the response; a non-nil error
	// means the engine could not produce a response at all. ctx is
	// cancelled when a Cancel signal arrives while the command is running.
	Execute(ctx context.Context, locality uint8, command []byte) ([]byte, error)

	// Manufacture initializes persistent state to factory defaults.
	Manufacture() error

	// TearDown drops everything the engine holds about the current
	// manufacture so the next Manufacture starts from nothing.
	TearDown() error

	// ResetContext clears transient (non-persistent) state, as a power
	// cycle of the host does.
	ResetContext() error
}

// Storage is the persistent NV backing of the device.
type Storage interface {
	// Enable makes the persistent store available, loading existing state.
	Enable() error

	// Disable releases the store. With discard set, all persistent
	// content is destroyed so it can never be mistaken for valid state.
	Disable(discard bool) error

	// NeedsProvisioning reports whether the store lacks valid factory
	// state.
	NeedsProvisioning() bool
}

// Localities 0-4 are the TPM localities; 32-255 are extended localities.
const (
	MaxLocality         uint8 = 4
	MinExtendedLocality uint8 = 32
)

// ValidLocality reports whether l is a defined locality identifier.
func ValidLocality(l uint8) bool {
	return l <= MaxLocality || l >= MinExtendedLocality
}
