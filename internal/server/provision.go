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
	"errors"
	"fmt"
	"log/slog"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
)

// Process exit codes.
const (
	ExitOK = 0
	// ExitFailure covers usage errors, invalid configuration, a failed
	// first provisioning and listener failures.
	ExitFailure = 1
	// ExitSelfCheckIdempotency means a repeated provision did not report
	// AlreadyProvisioned.
	ExitSelfCheckIdempotency = 2
	// ExitSelfCheckReprovision means provisioning after teardown failed.
	ExitSelfCheckReprovision = 3
)

var (
	// ErrSelfCheckIdempotency is wrapped by the exit-2 ExitError.
	ErrSelfCheckIdempotency = errors.New("self-check: repeated provisioning was not a no-op")

	// ErrSelfCheckReprovision is wrapped by the exit-3 ExitError.
	ErrSelfCheckReprovision = errors.New("self-check: provisioning after teardown failed")
)

// ExitError carries the process exit code for a startup failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code for err: 0 for nil, the carried code for
// an *ExitError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Provision opens the NV store and makes sure the device is provisioned.
// An empty store is provisioned once. With remanufacture the device is
// provisioned from scratch and the startup self-check runs: a second
// provision must be a no-op and a provision after teardown must succeed.
// Afterwards the device is powered on with NV enabled when auto_power_on
// is set.
func (s *Server) Provision(remanufacture bool) error {
	if err := s.controller.Open(); err != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("failed to enable NV store: %w", err)}
	}

	if remanufacture || !s.controller.Snapshot().Provisioned {
		s.logger.Info("Manufacturing NV state...", slog.Bool("forced", remanufacture))

		if _, err := s.controller.Provision(remanufacture); err != nil {
			// The controller has already discarded the partial store.
			return &ExitError{Code: ExitFailure, Err: err}
		}

		if remanufacture {
			if err := s.selfCheck(); err != nil {
				return err
			}
		}
	} else {
		s.logger.Info("Using existing NV state")
	}

	if s.config.Device.AutoPowerOn {
		if err := s.controller.PowerOn(); err != nil {
			return &ExitError{Code: ExitFailure, Err: fmt.Errorf("failed to power on: %w", err)}
		}
		if err := s.controller.StorageOn(); err != nil {
			return &ExitError{Code: ExitFailure, Err: fmt.Errorf("failed to enable NV: %w", err)}
		}
	}
	return nil
}

// selfCheck exercises the provisioning state machine: repeat, teardown,
// re-provision.
func (s *Server) selfCheck() error {
	result, err := s.controller.Provision(false)
	if err != nil || result != device.AlreadyProvisioned {
		return &ExitError{
			Code: ExitSelfCheckIdempotency,
			Err:  fmt.Errorf("%w: got %s: %v", ErrSelfCheckIdempotency, result, err),
		}
	}

	if err := s.controller.Teardown(); err != nil {
		return &ExitError{Code: ExitSelfCheckReprovision, Err: fmt.Errorf("%w: %w", ErrSelfCheckReprovision, err)}
	}

	result, err = s.controller.Provision(false)
	if err != nil || result != device.Provisioned {
		return &ExitError{
			Code: ExitSelfCheckReprovision,
			Err:  fmt.Errorf("%w: got %s: %v", ErrSelfCheckReprovision, result, err),
		}
	}

	s.logger.Info("Provisioning self-check passed")
	return nil
}
