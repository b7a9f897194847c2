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

// Package soft is a pure-Go execution engine implementing a small subset of
// TPM 2.0: Startup, Shutdown, GetRandom and SelfTest. It follows the TPM
// initialization rules and keeps its persistent state in an nvram.Store,
// which makes the server usable without cgo.
package soft

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/nvram"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

var _ device.Engine = (*Engine)(nil)

// Engine is safe for concurrent use; commands execute one at a time.
type Engine struct {
	mu     sync.Mutex
	store  nvram.Store
	rand   io.Reader
	now    func() time.Time
	logger *slog.Logger

	// image is nil until manufactured or loaded from the store.
	image *Image

	// Transient state, cleared by ResetContext.
	started    bool
	selfTested bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the entropy source. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock sets the time source used for the manufacture timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine persisting to store.
func New(store nvram.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		rand:   rand.Reader,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Manufacture creates a fresh primary seed and writes a new image.
func (e *Engine) Manufacture() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(e.rand, seed); err != nil {
		return fmt.Errorf("soft: generate seed: %w", err)
	}
	img := &Image{
		Version:        ImageVersion,
		ManufacturedAt: e.now().Unix(),
		Seed:           seed,
	}
	if err := e.persist(img); err != nil {
		return err
	}
	e.image = img
	e.started = false
	e.selfTested = false
	e.logger.Debug("Manufactured")
	return nil
}

// TearDown forgets the current image. The store itself is discarded by
// the caller.
func (e *Engine) TearDown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.image = nil
	e.started = false
	e.selfTested = false
	return nil
}

// ResetContext performs the power-on side of a power cycle: transient
// state is cleared and the boot counter advances.
func (e *Engine) ResetContext() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = false
	e.selfTested = false

	img, err := e.loaded()
	if err != nil {
		return err
	}
	if img == nil {
		return nil
	}
	next := *img
	next.BootCount++
	if err := e.persist(&next); err != nil {
		return err
	}
	e.image = &next
	return nil
}

// Execute runs one command buffer. Every failure the TPM itself would
// report is returned as a response carrying the TPM response code.
func (e *Engine) Execute(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx.Err() != nil {
		return protocol.ErrorResponse(tpm2.TPMRCCanceled), nil
	}

	cmd, rc := parseCommand(command)
	if rc != tpm2.TPMRCSuccess {
		return protocol.ErrorResponse(rc), nil
	}

	img, err := e.loaded()
	if err != nil {
		return nil, err
	}
	if img == nil {
		// Never manufactured: the TPM is in failure mode.
		return protocol.ErrorResponse(tpm2.TPMRCFailure), nil
	}

	e.logger.Debug("Executing command",
		slog.String("command", commandName(cmd.code)),
		slog.Int("locality", int(locality)))

	if cmd.code != tpm2.TPMCCStartup && !e.started {
		return protocol.ErrorResponse(tpm2.TPMRCInitialize), nil
	}

	switch cmd.code {
	case tpm2.TPMCCStartup:
		return e.startup(cmd)
	case tpm2.TPMCCShutdown:
		return e.shutdown(cmd)
	case tpm2.TPMCCGetRandom:
		return e.getRandom(cmd)
	case tpm2.TPMCCSelfTest:
		return e.selfTest(cmd)
	default:
		return protocol.ErrorResponse(tpm2.TPMRCCommandCode), nil
	}
}

// loaded returns the in-memory image, reading it from the store if this
// is the first access since the process started. A disabled or empty
// store yields nil.
func (e *Engine) loaded() (*Image, error) {
	if e.image != nil {
		return e.image, nil
	}
	data, err := e.store.Read()
	if errors.Is(err, nvram.ErrDisabled) || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("soft: read NV: %w", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	e.image = img
	return img, nil
}

func (e *Engine) persist(img *Image) error {
	data, err := EncodeImage(img)
	if err != nil {
		return err
	}
	if err := e.store.Write(data); err != nil {
		return fmt.Errorf("soft: write NV: %w", err)
	}
	return nil
}
