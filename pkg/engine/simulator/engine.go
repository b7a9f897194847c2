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

// Package simulator executes commands on the IBM reference TPM through
// go-tpm-tools. The reference TPM is linked with cgo and only available
// when built with -tags tpm_simulator; otherwise New succeeds but every
// lifecycle call returns ErrNotAvailable.
//
// The reference TPM keeps its NV in process memory. The nvram.Store only
// records that a manufacture happened, so a restarted server knows the
// device was provisioned; the TPM itself comes back freshly manufactured.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/nvram"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

var _ device.Engine = (*Engine)(nil)

// ErrNotAvailable is returned when simulator support is not compiled in.
var ErrNotAvailable = errors.New("simulator: support not compiled (build with -tags tpm_simulator)")

// backend is the subset of *simulator.Simulator the engine drives.
type backend interface {
	io.ReadWriteCloser
	Reset() error
	ManufactureReset() error
}

// opener opens the process-wide reference TPM. A nil seed requests random
// hierarchy seeds.
type opener func(seed *int64) (backend, error)

// record is the content written to the store at manufacture.
type record struct {
	Engine         string `cbor:"1,keyasint"`
	ManufacturedAt int64  `cbor:"2,keyasint"`
	Seed           *int64 `cbor:"3,keyasint,omitempty"`
}

const engineName = "ibm-reference-tpm"

// Engine is safe for concurrent use; the reference TPM runs one command at
// a time.
type Engine struct {
	mu     sync.Mutex
	store  nvram.Store
	open   opener
	seed   *int64
	logger *slog.Logger

	sim backend
}

// Option configures an Engine.
type Option func(*Engine)

// WithFixedSeed derives every hierarchy seed from seed. Insecure; for
// reproducible tests only.
func WithFixedSeed(seed int64) Option {
	return func(e *Engine) { e.seed = &seed }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// New creates an engine. The reference TPM is opened lazily.
func New(store nvram.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		open:   openSimulator,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Manufacture wipes the reference TPM and records the manufacture.
func (e *Engine) Manufacture() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sim == nil {
		// Opening manufactures a fresh TPM.
		sim, err := e.open(e.seed)
		if err != nil {
			return err
		}
		e.sim = sim
	} else if err := e.sim.ManufactureReset(); err != nil {
		return fmt.Errorf("simulator: manufacture reset: %w", err)
	}

	data, err := cbor.Marshal(record{
		Engine:         engineName,
		ManufacturedAt: time.Now().Unix(),
		Seed:           e.seed,
	})
	if err != nil {
		return fmt.Errorf("simulator: encode record: %w", err)
	}
	if err := e.store.Write(data); err != nil {
		return fmt.Errorf("simulator: write NV: %w", err)
	}
	return nil
}

// TearDown closes the reference TPM, releasing the process-wide instance.
func (e *Engine) TearDown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

// ResetContext reboots the reference TPM. A provisioned store with no open
// TPM (after a server restart) opens one.
func (e *Engine) ResetContext() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sim == nil {
		if e.store.NeedsProvisioning() {
			return nil
		}
		sim, err := e.open(e.seed)
		if err != nil {
			return err
		}
		e.sim = sim
		return nil
	}
	if err := e.sim.Reset(); err != nil {
		return fmt.Errorf("simulator: reset: %w", err)
	}
	return nil
}

// Execute runs one command on the reference TPM. A cancelled context is
// only observed before the command starts.
func (e *Engine) Execute(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil {
		return protocol.ErrorResponse(tpm2.TPMRCCanceled), nil
	}
	if e.sim == nil {
		return protocol.ErrorResponse(tpm2.TPMRCFailure), nil
	}

	if _, err := e.sim.Write(command); err != nil {
		return nil, fmt.Errorf("simulator: run command: %w", err)
	}
	resp, err := io.ReadAll(e.sim)
	if err != nil {
		return nil, fmt.Errorf("simulator: read response: %w", err)
	}
	e.logger.Debug("Executed command",
		slog.Int("locality", int(locality)),
		slog.Int("response_size", len(resp)))
	return resp, nil
}

// Close releases the reference TPM.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *Engine) closeLocked() error {
	if e.sim == nil {
		return nil
	}
	err := e.sim.Close()
	e.sim = nil
	if err != nil {
		return fmt.Errorf("simulator: close: %w", err)
	}
	return nil
}
