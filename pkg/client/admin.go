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


package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
)

// DeviceStatus is the body of GET /api/v1/device.
type DeviceStatus struct {
	device.State
	CommandPermitted bool   `json:"command_permitted"`
	Version          string `json:"version"`
}

// HealthCheck is one readiness check result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Checks  []HealthCheck `json:"checks,omitempty"`
}

// AdminClient reads the admin HTTP API.
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdminClient creates a client for the admin API at baseURL, e.g.
// http://localhost:9090. A nil tlsConfig uses the system defaults.
func NewAdminClient(baseURL string, tlsConfig *tls.Config) *AdminClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

// Device returns the current device state.
func (c *AdminClient) Device(ctx context.Context) (*DeviceStatus, error) {
	var status DeviceStatus
	if _, err := c.get(ctx, "/api/v1/device", &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ready returns the readiness probe result. An unhealthy device is a
// result, not an error.
func (c *AdminClient) Ready(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if _, err := c.get(ctx, "/health/ready", &resp, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *AdminClient) get(ctx context.Context, path string, out interface{}, accept ...int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	accepted := false
	for _, code := range accept {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return resp.StatusCode, fmt.Errorf("server error: %s", errResp.Error)
		}
		return resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.StatusCode, nil
}
