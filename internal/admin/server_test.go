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


package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/pkg/correlation"
	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/health"
	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
	"github.com/jeremyhahn/go-vtpm/pkg/ratelimit"
)

type fakeDevice struct {
	state device.State
}

func (f *fakeDevice) Snapshot() device.State { return f.state }

func newTestServer(t *testing.T, dev *fakeDevice, checker *health.Checker) *Server {
	t.Helper()
	s, err := NewServer(&Config{
		Addr:        "127.0.0.1:0",
		Device:      dev,
		Health:      checker,
		MetricsPath: "/metrics",
		Version:     "test",
	})
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServer_RequiresDevice(t *testing.T) {
	_, err := NewServer(nil)
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = NewServer(&Config{})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestDeviceHandler(t *testing.T) {
	dev := &fakeDevice{state: device.State{Provisioned: true, PoweredOn: true, StorageEnabled: true, Locality: 3}}
	s := newTestServer(t, dev, nil)

	rec := get(t, s.Handler(), "/api/v1/device")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["provisioned"])
	assert.Equal(t, true, body["powered_on"])
	assert.Equal(t, true, body["nv_enabled"])
	assert.Equal(t, float64(3), body["locality"])
	assert.Equal(t, true, body["command_permitted"])
	assert.Equal(t, "test", body["version"])
}

func TestHealthHandlers_NoChecker(t *testing.T) {
	s := newTestServer(t, &fakeDevice{}, nil)
	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup"} {
		rec := get(t, s.Handler(), path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestReadiness_FollowsDeviceState(t *testing.T) {
	dev := &fakeDevice{}
	checker := health.NewChecker()
	checker.RegisterCheck("device", health.DeviceCheck(dev.Snapshot))
	s := newTestServer(t, dev, checker)

	tests := []struct {
		name   string
		state  device.State
		code   int
		status health.Status
	}{
		{"unprovisioned", device.State{}, http.StatusServiceUnavailable, health.StatusUnhealthy},
		{"powered off", device.State{Provisioned: true}, http.StatusOK, health.StatusDegraded},
		{"ready", device.State{Provisioned: true, PoweredOn: true, StorageEnabled: true}, http.StatusOK, health.StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev.state = tt.state
			rec := get(t, s.Handler(), "/health/ready")
			assert.Equal(t, tt.code, rec.Code)

			var resp HealthCheckResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			require.Len(t, resp.Checks, 1)
			assert.Equal(t, "device", resp.Checks[0].Name)
		})
	}
}

func TestStartup(t *testing.T) {
	checker := health.NewChecker()
	s := newTestServer(t, &fakeDevice{}, checker)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/health/startup").Code)
	checker.MarkStarted()
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health/startup").Code)
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health/live").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RecordSignal("POWER_ON", metrics.StatusSuccess)
	s := newTestServer(t, &fakeDevice{}, nil)

	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "vtpm_platform_signals_total"))
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	s, err := NewServer(&Config{Device: &fakeDevice{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, &fakeDevice{}, nil)

	rec := get(t, s.Handler(), "/health")
	assert.NotEmpty(t, rec.Header().Get(correlation.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(correlation.RequestIDHeader, "fixed-id")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get(correlation.RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.New(&ratelimit.Config{Enabled: true, CommandsPerMinute: 1, Burst: 1})
	defer limiter.Stop()

	s, err := NewServer(&Config{Device: &fakeDevice{}, Limiter: limiter})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/api/v1/ratelimit").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(t, s.Handler(), "/api/v1/device").Code)
}

func TestRateLimitHandler_NoLimiter(t *testing.T) {
	s := newTestServer(t, &fakeDevice{}, nil)
	rec := get(t, s.Handler(), "/api/v1/ratelimit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestRecovery(t *testing.T) {
	s := newTestServer(t, &fakeDevice{}, nil)
	h := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := get(t, h, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestStartStop(t *testing.T) {
	dev := &fakeDevice{state: device.State{Provisioned: true}}
	s := newTestServer(t, dev, nil)
	assert.Nil(t, s.Addr())

	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/device", s.Addr()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
