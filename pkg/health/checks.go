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

package health

import (
	"context"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
)

// DeviceCheck reports the device as unhealthy while unprovisioned, degraded
// while powered off or with NV disabled, and healthy when it accepts
// commands.
func DeviceCheck(snapshot func() device.State) CheckFunc {
	return func(ctx context.Context) CheckResult {
		state := snapshot()
		switch {
		case !state.Provisioned:
			return CheckResult{
				Name:    "device",
				Status:  StatusUnhealthy,
				Message: "Device is not provisioned",
			}
		case !state.PoweredOn:
			return CheckResult{
				Name:    "device",
				Status:  StatusDegraded,
				Message: "Device is powered off",
			}
		case !state.StorageEnabled:
			return CheckResult{
				Name:    "device",
				Status:  StatusDegraded,
				Message: "NV is disabled",
			}
		default:
			return CheckResult{
				Name:    "device",
				Status:  StatusHealthy,
				Message: "Device accepts commands",
			}
		}
	}
}

// ErrorCheck adapts a probe returning an error into a CheckFunc.
func ErrorCheck(name string, probe func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := probe(ctx); err != nil {
			return CheckResult{
				Name:   name,
				Status: StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return CheckResult{Name: name, Status: StatusHealthy}
	}
}
