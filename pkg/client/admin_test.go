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


package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/pkg/client"
)

func TestAdminClient_Device(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/device", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"provisioned":true,"powered_on":true,"nv_enabled":false,"locality":2,"in_flight":0,"command_permitted":false,"version":"v1"}`))
	}))
	defer srv.Close()

	status, err := client.NewAdminClient(srv.URL+"/", nil).Device(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Provisioned)
	assert.True(t, status.PoweredOn)
	assert.False(t, status.StorageEnabled)
	assert.Equal(t, uint8(2), status.Locality)
	assert.False(t, status.CommandPermitted)
	assert.Equal(t, "v1", status.Version)
}

func TestAdminClient_ReadyUnhealthyIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy","checks":[{"name":"device","status":"unhealthy","message":"Device is not provisioned"}]}`))
	}))
	defer srv.Close()

	resp, err := client.NewAdminClient(srv.URL, nil).Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "device", resp.Checks[0].Name)
}

func TestAdminClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"Rate limit exceeded","code":429}`))
	}))
	defer srv.Close()

	_, err := client.NewAdminClient(srv.URL, nil).Device(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rate limit exceeded")
}
