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

//go:build integration

package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/internal/config"
	"github.com/jeremyhahn/go-vtpm/internal/server"
	"github.com/jeremyhahn/go-vtpm/pkg/client"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
)

// TestReadinessFollowsDevice checks the admin probes against a running
// server as the device is powered off and on.
func TestReadinessFollowsDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.CommandPort = 0
	cfg.Admin.Enabled = true
	cfg.Admin.Host = "127.0.0.1"
	cfg.Admin.Port = 0

	srv, err := server.New(cfg, server.WithLogger(logging.New("info", "text", io.Discard)))
	require.NoError(t, err)
	require.NoError(t, srv.Provision(false))
	require.NoError(t, srv.Start())
	defer srv.Shutdown()

	baseURL := "http://" + srv.AdminServer().Addr().String()
	admin := client.NewAdminClient(baseURL, nil)
	ctx := context.Background()

	t.Run("Healthy", func(t *testing.T) {
		health, err := admin.Ready(ctx)
		require.NoError(t, err)
		assert.Equal(t, "healthy", health.Status)
	})

	t.Run("DegradedWhenPoweredOff", func(t *testing.T) {
		require.NoError(t, srv.Controller().PowerOff())
		defer func() { require.NoError(t, srv.Controller().PowerOn()) }()

		health, err := admin.Ready(ctx)
		require.NoError(t, err)
		assert.Equal(t, "degraded", health.Status)
	})

	t.Run("Liveness", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/health/live")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "vtpm_device_state")
	})
}
