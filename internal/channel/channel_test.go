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


package channel_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/internal/channel"
	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/device/mocks"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

// stream is a half-duplex test connection: reads drain in, writes land in out.
type stream struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newStream(in []byte) *stream {
	return &stream{in: bytes.NewReader(in)}
}

func (s *stream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.out.Write(p) }

func signal(sig protocol.Signal) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(sig))
}

func locality(l uint8) []byte {
	return append(signal(protocol.SignalSetLocality), l)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func statuses(t *testing.T, out []byte) []protocol.Status {
	t.Helper()
	require.Zero(t, len(out)%4, "status stream must be a multiple of 4 bytes")
	var result []protocol.Status
	r := bytes.NewReader(out)
	for r.Len() > 0 {
		st, err := protocol.ReadStatus(r)
		require.NoError(t, err)
		result = append(result, st)
	}
	return result
}

func newController(t *testing.T, provision bool) (*device.Controller, *mocks.MockEngine) {
	t.Helper()

	engine := mocks.NewMockEngine()
	ctrl, err := device.NewController(&device.Config{Engine: engine, Storage: mocks.NewMockStorage()})
	require.NoError(t, err)
	require.NoError(t, ctrl.Open())
	if provision {
		_, err = ctrl.Provision(false)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, engine
}

func TestPlatformHandler_Sequence(t *testing.T) {
	ctrl, engine := newController(t, true)
	h := channel.NewPlatformHandler(ctrl, nil)

	conn := newStream(concat(
		signal(protocol.SignalPowerOn),
		signal(protocol.SignalNVOn),
		locality(3),
		signal(protocol.SignalCancel),
		signal(protocol.SignalReset),
	))
	require.NoError(t, h.Serve(context.Background(), conn, nil))

	assert.Equal(t, []protocol.Status{
		protocol.StatusOK, protocol.StatusOK, protocol.StatusOK,
		protocol.StatusOK, protocol.StatusOK,
	}, statuses(t, conn.out.Bytes()))

	state := ctrl.Snapshot()
	assert.True(t, state.PoweredOn)
	assert.True(t, state.StorageEnabled)
	assert.Equal(t, uint8(3), state.Locality)
	// One reset for power-on from off, one for the explicit reset.
	assert.Equal(t, 2, engine.ResetContextCalls)
}

func TestPlatformHandler_InvalidLocalityKeepsConnection(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewPlatformHandler(ctrl, nil)

	conn := newStream(concat(locality(7), locality(32), signal(protocol.SignalPowerOff)))
	require.NoError(t, h.Serve(context.Background(), conn, nil))

	assert.Equal(t, []protocol.Status{
		protocol.StatusRejected, protocol.StatusOK, protocol.StatusOK,
	}, statuses(t, conn.out.Bytes()))
	assert.Equal(t, uint8(32), ctrl.Snapshot().Locality)
}

func TestPlatformHandler_UnknownSignalClosesConnection(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewPlatformHandler(ctrl, nil)

	before := testutil.ToFloat64(metrics.ProtocolErrorsTotal.WithLabelValues(metrics.ChannelPlatform, "unknown_signal"))

	conn := newStream(concat(signal(protocol.SignalPowerOn), signal(99), signal(protocol.SignalNVOn)))
	err := h.Serve(context.Background(), conn, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnknownSignal)

	// The signal before the bad one is answered; nothing after it is read.
	assert.Equal(t, []protocol.Status{protocol.StatusOK}, statuses(t, conn.out.Bytes()))
	assert.False(t, ctrl.Snapshot().StorageEnabled)

	after := testutil.ToFloat64(metrics.ProtocolErrorsTotal.WithLabelValues(metrics.ChannelPlatform, "unknown_signal"))
	assert.Equal(t, before+1, after)
}

func TestPlatformHandler_TruncatedLocality(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewPlatformHandler(ctrl, nil)

	conn := newStream(signal(protocol.SignalSetLocality))
	err := h.Serve(context.Background(), conn, nil)
	assert.ErrorIs(t, err, protocol.ErrTruncated)
	assert.Empty(t, conn.out.Bytes())
}

func TestPlatformHandler_RejectedSignal(t *testing.T) {
	ctrl, engine := newController(t, true)
	engine.ResetContextFunc = func() error { return errors.New("boom") }
	h := channel.NewPlatformHandler(ctrl, nil)

	status := h.Handle(protocol.PlatformMessage{Signal: protocol.SignalReset}, nil)
	assert.Equal(t, protocol.StatusRejected, status)
}

func TestPlatformHandler_StopsOnShutdown(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewPlatformHandler(ctrl, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := newStream(signal(protocol.SignalPowerOn))
	require.NoError(t, h.Serve(ctx, conn, nil))
	assert.Empty(t, conn.out.Bytes())
	assert.False(t, ctrl.Snapshot().PoweredOn)
}

func frame(payload []byte) []byte {
	return protocol.MarshalCommand(payload)
}

func responses(t *testing.T, out []byte) [][]byte {
	t.Helper()
	var result [][]byte
	r := bytes.NewReader(out)
	for r.Len() > 0 {
		resp, err := protocol.ReadCommand(r, protocol.DefaultMaxPayloadSize)
		require.NoError(t, err)
		result = append(result, resp)
	}
	return result
}

func TestCommandHandler_NotReady(t *testing.T) {
	ctrl, engine := newController(t, false)
	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})

	conn := newStream(frame([]byte{0x80, 0x01, 0, 0, 0, 0x0c, 0, 0, 0x01, 0x44, 0, 0}))
	require.NoError(t, h.Serve(context.Background(), conn, "peer", nil))

	got := responses(t, conn.out.Bytes())
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x80, 0x01, 0, 0, 0, 0x0a, 0, 0, 0x09, 0x22}, got[0])
	assert.Zero(t, engine.ExecuteCount())
}

func TestCommandHandler_ForwardsInOrder(t *testing.T) {
	ctrl, engine := newController(t, true)
	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOn())
	require.NoError(t, ctrl.SetLocality(2))

	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})
	conn := newStream(concat(frame([]byte("first")), frame([]byte("second")), frame(nil)))
	require.NoError(t, h.Serve(context.Background(), conn, "peer", nil))

	got := responses(t, conn.out.Bytes())
	require.Len(t, got, 3)
	assert.Equal(t, []byte("first"), got[0])
	assert.Equal(t, []byte("second"), got[1])
	assert.Empty(t, got[2])

	calls := engine.Calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		assert.Equal(t, uint8(2), call.Locality)
	}
}

func TestCommandHandler_EngineError(t *testing.T) {
	ctrl, engine := newController(t, true)
	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOn())
	engine.ExecuteFunc = func(context.Context, uint8, []byte) ([]byte, error) {
		return nil, errors.New("engine fault")
	}

	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})
	resp := h.Handle(context.Background(), []byte{1, 2, 3}, nil)

	rc, err := protocol.ResponseCode(resp)
	require.NoError(t, err)
	assert.Equal(t, tpm2.TPMRCFailure, rc)
	assert.False(t, protocol.IsNotReadyResponse(resp))
	assert.Equal(t, 1, engine.ExecuteCount())
}

func TestCommandHandler_EngineFailureResponseNotMistakenForNotReady(t *testing.T) {
	ctrl, engine := newController(t, true)
	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOn())
	// An engine that was never manufactured answers TPM_RC_FAILURE itself.
	engine.ExecuteFunc = func(context.Context, uint8, []byte) ([]byte, error) {
		return protocol.ErrorResponse(tpm2.TPMRCFailure), nil
	}

	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})
	executed := h.Handle(context.Background(), []byte{1, 2, 3}, nil)
	assert.False(t, protocol.IsNotReadyResponse(executed))

	require.NoError(t, ctrl.PowerOff())
	rejected := h.Handle(context.Background(), []byte{1, 2, 3}, nil)
	assert.True(t, protocol.IsNotReadyResponse(rejected))
	assert.NotEqual(t, executed, rejected)
}

func TestCommandHandler_OversizedFrameClosesConnection(t *testing.T) {
	ctrl, engine := newController(t, true)
	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOn())

	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{MaxPayloadSize: 8})
	conn := newStream(concat(frame([]byte("ok")), binary.BigEndian.AppendUint32(nil, 9)))
	err := h.Serve(context.Background(), conn, "peer", nil)
	assert.ErrorIs(t, err, protocol.ErrPayloadTooLarge)

	assert.Len(t, responses(t, conn.out.Bytes()), 1)
	assert.Equal(t, 1, engine.ExecuteCount())
}

func TestCommandHandler_TruncatedPayload(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})

	conn := newStream(concat(binary.BigEndian.AppendUint32(nil, 10), []byte{1, 2}))
	err := h.Serve(context.Background(), conn, "peer", nil)
	assert.ErrorIs(t, err, protocol.ErrTruncated)
	assert.Empty(t, conn.out.Bytes())
}

func TestCommandHandler_RateLimited(t *testing.T) {
	ctrl, _ := newController(t, true)
	require.NoError(t, ctrl.PowerOn())
	require.NoError(t, ctrl.StorageOn())

	limiter := ratelimit.New(&ratelimit.Config{Enabled: true, CommandsPerMinute: 600, Burst: 1})
	defer limiter.Stop()

	before := testutil.ToFloat64(metrics.RateLimitedTotal)

	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{Limiter: limiter})
	conn := newStream(concat(frame([]byte("a")), frame([]byte("b"))))
	require.NoError(t, h.Serve(context.Background(), conn, "peer", nil))

	assert.Len(t, responses(t, conn.out.Bytes()), 2)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal))
}

func TestCommandHandler_ShutdownUnblocksRead(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})

	server, client := net.Pipe()
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, server, "peer", nil) }()

	cancel()
	_ = server.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestCommandHandler_PeerDisconnect(t *testing.T) {
	ctrl, _ := newController(t, true)
	h := channel.NewCommandHandler(ctrl, channel.CommandConfig{})

	conn := newStream(nil)
	require.NoError(t, h.Serve(context.Background(), conn, "peer", nil))
	assert.Empty(t, conn.out.Bytes())
}
