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

package device

import "errors"

var (
	// ErrNotReady is returned by Execute when the device is powered off or
	// NV is unavailable. The engine is not invoked.
	ErrNotReady = errors.New("device: not ready")

	// ErrInvalidLocality is returned by SetLocality for identifiers outside
	// 0-4 and 32-255.
	ErrInvalidLocality = errors.New("device: invalid locality")

	// ErrProvisionFailed wraps the cause of a failed manufacture.
	ErrProvisionFailed = errors.New("device: provisioning failed")

	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("device: closed")

	// ErrNilEngine and ErrNilStorage are returned by NewController.
	ErrNilEngine  = errors.New("device: engine is required")
	ErrNilStorage = errors.New("device: storage is required")
)
