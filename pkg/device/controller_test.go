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

package device_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/device/mocks"
)

func newTestController(t *testing.T) (*device.Controller, *mocks.MockEngine, *mocks.MockStorage) {
	t.Helper()

	engine := mocks.NewMockEngine()
	storage := mocks.NewMockStorage()
	ctrl, err := device.NewController(&device.Config{Engine: engine, Storage: storage})
	require.NoError(t, err)
	require.NoError(t, ctrl.Open())
	return ctrl, engine, storage
}

// readyController returns a provisioned controller with power and NV on.
func readyController(t *testing.T) (*device.Controller, *mocks.MockEngine, *mocks.MockStorage) {
	t.Helper()

	ctrl, engine, storage := newTestController(t)
	result, err := ctrl.Provision(false)
	require.NoError(t, err)
	require.Equal(t, device.Provisioned, result)
	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOn())
	return ctrl, engine, storage
}

func TestNewController_Validation(t *testing.T) {
	_, err := device.NewController(nil)
	assert.ErrorIs(t, err, device.ErrNilEngine)

	_, err = device.NewController(&device.Config{Storage: mocks.NewMockStorage()})
	assert.ErrorIs(t, err, device.ErrNilEngine)

	_, err = device.NewController(&device.Config{Engine: mocks.NewMockEngine()})
	assert.ErrorIs(t, err, device.ErrNilStorage)
}

func TestController_InitialState(t *testing.T) {
	ctrl, _, storage := newTestController(t)

	state := ctrl.Snapshot()
	assert.False(t, state.Provisioned)
	assert.False(t, state.PoweredOn)
	assert.False(t, state.StorageEnabled)
	assert.Equal(t, uint8(0), state.Locality)
	assert.Equal(t, 0, state.InFlight)
	assert.True(t, storage.Enabled())
	assert.False(t, ctrl.IsCommandPermitted())
}

func TestProvision_Idempotent(t *testing.T) {
	ctrl, engine, _ := newTestController(t)

	result, err := ctrl.Provision(false)
	require.NoError(t, err)
	assert.Equal(t, device.Provisioned, result)

	result, err = ctrl.Provision(false)
	require.NoError(t, err)
	assert.Equal(t, device.AlreadyProvisioned, result)
	assert.Equal(t, 1, engine.ManufactureCalls)
}

func TestProvision_ExistingStore(t *testing.T) {
	engine := mocks.NewMockEngine()
	storage := mocks.NewMockStorage()
	storage.MarkProvisioned()

	ctrl, err := device.NewController(&device.Config{Engine: engine, Storage: storage})
	require.NoError(t, err)
	require.NoError(t, ctrl.Open())
	assert.True(t, ctrl.Snapshot().Provisioned)

	result, err := ctrl.Provision(false)
	require.NoError(t, err)
	assert.Equal(t, device.AlreadyProvisioned, result)
	assert.Equal(t, 0, engine.ManufactureCalls)
}

func TestProvision_Forced(t *testing.T) {
	ctrl, engine, _ := newTestController(t)

	for i := 0; i < 3; i++ {
		result, err := ctrl.Provision(true)
		require.NoError(t, err)
		assert.Equal(t, device.Provisioned, result)
	}
	assert.Equal(t, 3, engine.ManufactureCalls)
	assert.True(t, ctrl.Snapshot().Provisioned)
}

func TestProvision_FailureDiscardsStorage(t *testing.T) {
	ctrl, engine, storage := newTestController(t)
	engine.ManufactureFunc = func() error { return errors.New("entropy exhausted") }

	result, err := ctrl.Provision(false)
	assert.Equal(t, device.ProvisionFailed, result)
	assert.ErrorIs(t, err, device.ErrProvisionFailed)
	assert.ErrorContains(t, err, "entropy exhausted")
	assert.Equal(t, 1, storage.Discards())
	assert.False(t, ctrl.Snapshot().Provisioned)
}

func TestProvision_EnableFailure(t *testing.T) {
	ctrl, engine, storage := newTestController(t)
	storage.EnableFunc = func() error { return errors.New("disk full") }

	result, err := ctrl.Provision(true)
	assert.Equal(t, device.ProvisionFailed, result)
	assert.ErrorIs(t, err, device.ErrProvisionFailed)
	assert.Equal(t, 0, engine.ManufactureCalls)
}

func TestTeardown_RoundTrip(t *testing.T) {
	ctrl, engine, storage := readyController(t)
	require.NoError(t, ctrl.SetLocality(3))

	_, err := ctrl.Execute(context.Background(), []byte{1})
	require.NoError(t, err)
	require.Equal(t, 1, engine.ExecuteCount())

	require.NoError(t, ctrl.Teardown())
	assert.Equal(t, 1, engine.TearDownCalls)
	assert.Equal(t, 1, storage.Discards())

	// Power, NV and locality return to their initial values.
	assert.Equal(t, device.State{}, ctrl.Snapshot())
	assert.False(t, ctrl.IsCommandPermitted())

	_, err = ctrl.Execute(context.Background(), []byte{1})
	assert.ErrorIs(t, err, device.ErrNotReady)
	assert.Equal(t, 1, engine.ExecuteCount())

	// Re-provisioning is indistinguishable from a fresh device.
	result, err := ctrl.Provision(false)
	require.NoError(t, err)
	assert.Equal(t, device.Provisioned, result)
	assert.Equal(t, 2, engine.ManufactureCalls)

	fresh, _, _ := newTestController(t)
	result, err = fresh.Provision(false)
	require.NoError(t, err)
	require.Equal(t, device.Provisioned, result)

	assert.Equal(t, fresh.Snapshot(), ctrl.Snapshot())
	assert.Equal(t, fresh.IsCommandPermitted(), ctrl.IsCommandPermitted())

	_, err = ctrl.Execute(context.Background(), []byte{1})
	assert.ErrorIs(t, err, device.ErrNotReady)
}

func TestTeardown_EngineError(t *testing.T) {
	ctrl, engine, storage := newTestController(t)
	engine.TearDownFunc = func() error { return errors.New("busy") }

	_, err := ctrl.Provision(false)
	require.NoError(t, err)

	err = ctrl.Teardown()
	assert.ErrorContains(t, err, "busy")
	assert.True(t, ctrl.Snapshot().Provisioned)
	assert.Equal(t, 0, storage.Discards())
}

func TestExecute_Guard(t *testing.T) {
	tests := []struct {
		name    string
		powered bool
		nv      bool
		allowed bool
	}{
		{"off and nv off", false, false, false},
		{"power only", true, false, false},
		{"nv only", false, true, false},
		{"power and nv", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, engine, _ := newTestController(t)
			if tt.powered {
				require.NoError(t, ctrl.PowerOn())
			}
			if tt.nv {
				require.NoError(t, ctrl.StorageOn())
			}
			assert.Equal(t, tt.allowed, ctrl.IsCommandPermitted())

			resp, err := ctrl.Execute(context.Background(), []byte{0x80, 0x01})
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, []byte{0x80, 0x01}, resp)
				assert.Equal(t, 1, engine.ExecuteCount())
			} else {
				assert.ErrorIs(t, err, device.ErrNotReady)
				assert.Nil(t, resp)
				assert.Equal(t, 0, engine.ExecuteCount())
			}
		})
	}
}

func TestExecute_AfterPowerOffAndStorageOff(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	require.NoError(t, ctrl.PowerOff())
	_, err := ctrl.Execute(context.Background(), []byte{1})
	assert.ErrorIs(t, err, device.ErrNotReady)

	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOff())
	_, err = ctrl.Execute(context.Background(), []byte{1})
	assert.ErrorIs(t, err, device.ErrNotReady)

	assert.Equal(t, 0, engine.ExecuteCount())
}

func TestSetLocality(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	for _, l := range []uint8{0, 3, 4, 32, 200, 255} {
		require.NoError(t, ctrl.SetLocality(l), "locality %d", l)
	}
	for _, l := range []uint8{5, 17, 31} {
		assert.ErrorIs(t, ctrl.SetLocality(l), device.ErrInvalidLocality, "locality %d", l)
	}
	assert.Equal(t, uint8(255), ctrl.Snapshot().Locality)

	require.NoError(t, ctrl.SetLocality(3))
	_, err := ctrl.Execute(context.Background(), []byte{1})
	require.NoError(t, err)

	calls := engine.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, uint8(3), calls[0].Locality)
}

func TestPowerOn_ResetsContextFromOffOnly(t *testing.T) {
	ctrl, engine, _ := newTestController(t)

	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.PowerOn())
	assert.Equal(t, 1, engine.ResetContextCalls)

	require.NoError(t, ctrl.PowerOff())
	require.NoError(t, ctrl.PowerOn())
	assert.Equal(t, 2, engine.ResetContextCalls)
}

func TestPowerOn_EngineError(t *testing.T) {
	ctrl, engine, _ := newTestController(t)
	engine.ResetContextFunc = func() error { return errors.New("fault") }

	assert.Error(t, ctrl.PowerOn())
	assert.False(t, ctrl.Snapshot().PoweredOn)
}

func TestReset(t *testing.T) {
	ctrl, engine, _ := readyController(t)
	before := engine.ResetContextCalls

	require.NoError(t, ctrl.Reset())
	assert.Equal(t, before+1, engine.ResetContextCalls)

	state := ctrl.Snapshot()
	assert.True(t, state.PoweredOn)
	assert.True(t, state.StorageEnabled)
}

func TestReset_EngineErrorLeavesPoweredOff(t *testing.T) {
	ctrl, engine, _ := readyController(t)
	engine.ResetContextFunc = func() error { return errors.New("fault") }

	assert.Error(t, ctrl.Reset())
	assert.False(t, ctrl.Snapshot().PoweredOn)
}

func TestPowerOff_WaitsForInFlight(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	started := make(chan struct{})
	release := make(chan struct{})
	engine.ExecuteFunc = func(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
		close(started)
		<-release
		return []byte{0xaa}, nil
	}

	execDone := make(chan error, 1)
	go func() {
		_, err := ctrl.Execute(context.Background(), []byte{1})
		execDone <- err
	}()
	<-started
	assert.Equal(t, 1, ctrl.Snapshot().InFlight)

	offDone := make(chan struct{})
	go func() {
		_ = ctrl.PowerOff()
		close(offDone)
	}()

	select {
	case <-offDone:
		t.Fatal("PowerOff returned while a command was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-execDone)

	select {
	case <-offDone:
	case <-time.After(2 * time.Second):
		t.Fatal("PowerOff did not return after the command completed")
	}
	assert.False(t, ctrl.Snapshot().PoweredOn)
	assert.Equal(t, 0, ctrl.Snapshot().InFlight)
}

func TestPowerOff_NoCommandStartsAfterReturn(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	var offReturned atomic.Bool
	var violations atomic.Int32
	var executed atomic.Int32
	engine.ExecuteFunc = func(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
		if offReturned.Load() {
			violations.Add(1)
		}
		executed.Add(1)
		time.Sleep(time.Millisecond)
		return []byte{0}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := ctrl.Execute(context.Background(), []byte{1}); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ctrl.PowerOff())
	offReturned.Store(true)
	wg.Wait()

	assert.Greater(t, executed.Load(), int32(0))
	assert.Equal(t, int32(0), violations.Load())
}

func TestStorageOff_WaitsForInFlight(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	started := make(chan struct{})
	release := make(chan struct{})
	engine.ExecuteFunc = func(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}

	go func() { _, _ = ctrl.Execute(context.Background(), nil) }()
	<-started

	offDone := make(chan struct{})
	go func() {
		_ = ctrl.StorageOff()
		close(offDone)
	}()

	select {
	case <-offDone:
		t.Fatal("StorageOff returned while a command was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-offDone
	assert.False(t, ctrl.Snapshot().StorageEnabled)
}

func TestCancel_InterruptsInFlight(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	started := make(chan struct{})
	engine.ExecuteFunc = func(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return []byte{0xca}, nil
	}

	done := make(chan []byte, 1)
	go func() {
		resp, _ := ctrl.Execute(context.Background(), []byte{1})
		done <- resp
	}()
	<-started

	ctrl.Cancel()

	select {
	case resp := <-done:
		assert.Equal(t, []byte{0xca}, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("command was not cancelled")
	}
}

func TestCancel_DoesNotAffectLaterCommands(t *testing.T) {
	ctrl, engine, _ := readyController(t)

	ctrl.Cancel()

	engine.ExecuteFunc = func(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
		return nil, ctx.Err()
	}
	_, err := ctrl.Execute(context.Background(), []byte{1})
	assert.NoError(t, err)
}

func TestCancel_WhileIdle(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctrl.Cancel()
	ctrl.Cancel()
}

func TestExecute_CallerContext(t *testing.T) {
	ctrl, engine, _ := readyController(t)
	engine.ExecuteFunc = func(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ctrl.Execute(ctx, []byte{1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdmission_DoneIsIdempotent(t *testing.T) {
	ctrl, _, _ := readyController(t)

	adm, ok := ctrl.Admit()
	require.True(t, ok)
	assert.Equal(t, 1, ctrl.Snapshot().InFlight)
	assert.NoError(t, adm.Context().Err())

	adm.Done()
	adm.Done()
	assert.Equal(t, 0, ctrl.Snapshot().InFlight)

	require.NoError(t, ctrl.PowerOff())
}

func TestClose(t *testing.T) {
	ctrl, engine, storage := readyController(t)

	require.NoError(t, ctrl.Close())
	assert.False(t, storage.Enabled())
	assert.Equal(t, 0, storage.Discards())

	_, err := ctrl.Execute(context.Background(), []byte{1})
	assert.ErrorIs(t, err, device.ErrNotReady)
	assert.Equal(t, 0, engine.ExecuteCount())

	_, err = ctrl.Provision(true)
	assert.ErrorIs(t, err, device.ErrClosed)

	assert.ErrorIs(t, ctrl.Teardown(), device.ErrClosed)
	assert.Equal(t, 0, engine.TearDownCalls)
	assert.Equal(t, 0, storage.Discards())

	assert.ErrorIs(t, ctrl.PowerOff(), device.ErrClosed)
	assert.ErrorIs(t, ctrl.StorageOff(), device.ErrClosed)
	assert.ErrorIs(t, ctrl.Reset(), device.ErrClosed)
	assert.ErrorIs(t, ctrl.PowerOn(), device.ErrClosed)
	assert.ErrorIs(t, ctrl.StorageOn(), device.ErrClosed)

	require.NoError(t, ctrl.Close())
}

func TestProvisionResult_String(t *testing.T) {
	assert.Equal(t, "provisioned", device.Provisioned.String())
	assert.Equal(t, "already_provisioned", device.AlreadyProvisioned.String())
	assert.Equal(t, "failed", device.ProvisionFailed.String())
}

func TestValidLocality(t *testing.T) {
	assert.True(t, device.ValidLocality(0))
	assert.True(t, device.ValidLocality(device.MaxLocality))
	assert.False(t, device.ValidLocality(device.MaxLocality+1))
	assert.False(t, device.ValidLocality(device.MinExtendedLocality-1))
	assert.True(t, device.ValidLocality(device.MinExtendedLocality))
	assert.True(t, device.ValidLocality(255))
}
