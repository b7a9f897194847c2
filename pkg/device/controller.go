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

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
)

// ProvisionResult is the outcome of Provision.
type ProvisionResult int

const (
	ProvisionFailed ProvisionResult = iota
	Provisioned
	AlreadyProvisioned
)

func (r ProvisionResult) String() string {
	switch r {
	case Provisioned:
		return "provisioned"
	case AlreadyProvisioned:
		return "already_provisioned"
	default:
		return "failed"
	}
}

// State is a point-in-time copy of the device state.
type State struct {
	Provisioned    bool  `json:"provisioned"`
	PoweredOn      bool  `json:"powered_on"`
	StorageEnabled bool  `json:"nv_enabled"`
	Locality       uint8 `json:"locality"`
	InFlight       int   `json:"in_flight"`
}

// CommandPermitted reports whether the guard would admit a command.
func (s State) CommandPermitted() bool {
	return s.PoweredOn && s.StorageEnabled
}

// Config configures a Controller.
type Config struct {
	Engine  Engine
	Storage Storage

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// Controller owns the device state. It is safe for concurrent use by any
// number of platform and command connections.
//
// Off transitions (PowerOff, StorageOff, Reset, Teardown, Provision) first
// mark the controller as draining, which holds back new admissions, then
// wait until every admitted command has completed before mutating state.
// Once such a call returns, no command can start against the old state.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	engine  Engine
	storage Storage
	logger  *slog.Logger

	state    State
	inflight int
	draining int
	closed   bool

	// execCtx is handed to every admitted command; Cancel replaces it.
	execCtx    context.Context
	execCancel context.CancelFunc
}

// NewController creates a controller in the powered-off, NV-off state.
// Call Open before provisioning or serving.
func NewController(cfg *Config) (*Controller, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, ErrNilEngine
	}
	if cfg.Storage == nil {
		return nil, ErrNilStorage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Controller{
		engine:  cfg.Engine,
		storage: cfg.Storage,
		logger:  logger,
	}
	c.cond = sync.NewCond(&c.mu)
	c.execCtx, c.execCancel = context.WithCancel(context.Background())
	return c, nil
}

// Open enables the persistent store and records whether it already holds
// valid factory state.
func (c *Controller) Open() error {
	c.lockDrained()
	defer c.unlockDrained()

	if c.closed {
		return ErrClosed
	}
	if err := c.storage.Enable(); err != nil {
		return fmt.Errorf("device: enable storage: %w", err)
	}
	c.state.Provisioned = !c.storage.NeedsProvisioning()
	c.logger.Info("Persistent storage enabled", "provisioned", c.state.Provisioned)
	c.publish()
	return nil
}

// Provision manufactures the device. Without force an already provisioned
// device is left untouched. A failed manufacture discards persistent state
// before returning, so a partial store is never reused; callers treat
// ProvisionFailed as fatal.
func (c *Controller) Provision(force bool) (ProvisionResult, error) {
	c.lockDrained()
	defer c.unlockDrained()

	if c.closed {
		return ProvisionFailed, ErrClosed
	}
	if !force && c.state.Provisioned {
		metrics.RecordProvision(AlreadyProvisioned.String())
		return AlreadyProvisioned, nil
	}

	if err := c.storage.Enable(); err != nil {
		return c.provisionFailed(fmt.Errorf("enable storage: %w", err))
	}
	if err := c.engine.Manufacture(); err != nil {
		return c.provisionFailed(fmt.Errorf("manufacture: %w", err))
	}

	c.state.Provisioned = true
	c.logger.Info("Device provisioned", "forced", force)
	metrics.RecordProvision(Provisioned.String())
	c.publish()
	return Provisioned, nil
}

// provisionFailed discards storage after a failed manufacture. Called with
// the lock held.
func (c *Controller) provisionFailed(cause error) (ProvisionResult, error) {
	if err := c.storage.Disable(true); err != nil {
		c.logger.Error("Failed to discard storage after provisioning failure", slog.Any("error", err))
	}
	c.state.Provisioned = false
	c.logger.Error("Provisioning failed", slog.Any("error", cause))
	metrics.RecordProvision(ProvisionFailed.String())
	c.publish()
	return ProvisionFailed, fmt.Errorf("%w: %w", ErrProvisionFailed, cause)
}

// Teardown reverts the device to the unprovisioned state and discards
// persistent content. Power, NV availability and locality return to their
// initial values, so a later Provision behaves as on a fresh device.
func (c *Controller) Teardown() error {
	c.lockDrained()
	defer c.unlockDrained()

	if c.closed {
		return ErrClosed
	}
	if err := c.engine.TearDown(); err != nil {
		return fmt.Errorf("device: teardown engine: %w", err)
	}
	if err := c.storage.Disable(true); err != nil {
		return fmt.Errorf("device: discard storage: %w", err)
	}
	c.state = State{}
	c.logger.Info("Device torn down")
	c.publish()
	return nil
}

// PowerOn powers the device. Coming up from off clears transient engine
// context.
func (c *Controller) PowerOn() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state.PoweredOn {
		return nil
	}
	// No command can be in flight: admission requires power.
	if err := c.engine.ResetContext(); err != nil {
		return fmt.Errorf("device: power on: %w", err)
	}
	c.state.PoweredOn = true
	c.logger.Info("Power on")
	c.publish()
	return nil
}

// PowerOff removes power. It returns once no admitted command is running.
func (c *Controller) PowerOff() error {
	c.lockDrained()
	defer c.unlockDrained()

	if c.closed {
		return ErrClosed
	}
	c.state.PoweredOn = false
	c.logger.Info("Power off")
	c.publish()
	return nil
}

// StorageOn makes NV available to commands.
func (c *Controller) StorageOn() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.state.StorageEnabled = true
	c.logger.Info("NV on")
	c.publish()
	return nil
}

// StorageOff makes NV unavailable. It returns once no admitted command is
// running.
func (c *Controller) StorageOff() error {
	c.lockDrained()
	defer c.unlockDrained()

	if c.closed {
		return ErrClosed
	}
	c.state.StorageEnabled = false
	c.logger.Info("NV off")
	c.publish()
	return nil
}

// Reset is a power cycle: off, clear transient engine context, on.
func (c *Controller) Reset() error {
	c.lockDrained()
	defer c.unlockDrained()

	if c.closed {
		return ErrClosed
	}
	c.state.PoweredOn = false
	c.publish()
	if err := c.engine.ResetContext(); err != nil {
		return fmt.Errorf("device: reset: %w", err)
	}
	c.state.PoweredOn = true
	c.logger.Info("Reset")
	c.publish()
	return nil
}

// SetLocality sets the locality attached to subsequently admitted commands.
func (c *Controller) SetLocality(locality uint8) error {
	if !ValidLocality(locality) {
		return fmt.Errorf("%w: %d", ErrInvalidLocality, locality)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Locality = locality
	c.logger.Debug("Locality set", "locality", locality)
	return nil
}

// Cancel cancels the context of every command admitted so far. It never
// waits for those commands; the engine observes cancellation cooperatively.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.execCancel()
	c.execCtx, c.execCancel = context.WithCancel(context.Background())
	c.logger.Debug("Cancel signalled", "in_flight", c.inflight)
}

// IsCommandPermitted reports whether a command would pass the guard now.
func (c *Controller) IsCommandPermitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CommandPermitted()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state
	s.InFlight = c.inflight
	return s
}

// Close cancels running commands, waits for them, and flushes storage.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.execCancel()
	c.mu.Unlock()

	c.lockDrained()
	defer c.unlockDrained()

	c.closed = true
	if err := c.storage.Disable(false); err != nil {
		return fmt.Errorf("device: disable storage: %w", err)
	}
	return nil
}

// lockDrained acquires the lock, holds back new admissions and waits for
// in-flight commands to finish. Must be paired with unlockDrained.
func (c *Controller) lockDrained() {
	c.mu.Lock()
	c.draining++
	for c.inflight > 0 {
		c.cond.Wait()
	}
}

func (c *Controller) unlockDrained() {
	c.draining--
	c.cond.Broadcast()
	c.mu.Unlock()
}

// publish exports the state gauges. Called with the lock held.
func (c *Controller) publish() {
	metrics.SetDeviceState(c.state.PoweredOn, c.state.StorageEnabled, c.state.Provisioned)
}
