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

package server

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-vtpm/internal/config"
	"github.com/jeremyhahn/go-vtpm/internal/server"
	"github.com/jeremyhahn/go-vtpm/pkg/client"
	"github.com/jeremyhahn/go-vtpm/pkg/logging"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

func newConfig(nvPath string) *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.CommandPort = 0
	cfg.Device.NVPath = nvPath
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, remanufacture bool) (*server.Server, *client.Client) {
	t.Helper()

	srv, err := server.New(cfg, server.WithLogger(logging.New("info", "text", io.Discard)))
	require.NoError(t, err)
	require.NoError(t, srv.Provision(remanufacture))
	require.NoError(t, srv.Start())

	port := srv.CommandAddr().(*net.TCPAddr).Port
	c, err := client.Dial(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	return srv, c
}

func getRandom(t *testing.T, c *client.Client) {
	t.Helper()
	_, err := tpm2.Startup{StartupType: tpm2.TPMSUClear}.Execute(c)
	require.NoError(t, err)
	rsp, err := tpm2.GetRandom{BytesRequested: 32}.Execute(c)
	require.NoError(t, err)
	assert.Len(t, rsp.RandomBytes.Buffer, 32)
}

// TestNVStatePersistsAcrossRestart runs the server twice on the same NV
// file. The second run must reuse the factory state.
func TestNVStatePersistsAcrossRestart(t *testing.T) {
	nvPath := filepath.Join(t.TempDir(), "nv.cbor")

	srv, c := startServer(t, newConfig(nvPath), false)
	getRandom(t, c)
	_ = c.Close()
	require.NoError(t, srv.Shutdown())

	srv, c = startServer(t, newConfig(nvPath), false)
	defer srv.Shutdown()
	defer c.Close()

	state := srv.Controller().Snapshot()
	assert.True(t, state.Provisioned)
	assert.True(t, state.PoweredOn)
	getRandom(t, c)
}

// TestRemanufactureSelfCheck exercises the -rm path against a file store.
func TestRemanufactureSelfCheck(t *testing.T) {
	nvPath := filepath.Join(t.TempDir(), "nv.cbor")

	srv, c := startServer(t, newConfig(nvPath), true)
	defer srv.Shutdown()
	defer c.Close()

	assert.True(t, srv.Controller().Snapshot().Provisioned)
	getRandom(t, c)
}

// TestConcurrentClients drives many clients at once while one of them
// toggles power. Every command gets exactly one well-formed response.
func TestConcurrentClients(t *testing.T) {
	srv, ctl := startServer(t, newConfig(""), false)
	defer srv.Shutdown()
	defer ctl.Close()

	_, err := tpm2.Startup{StartupType: tpm2.TPMSUClear}.Execute(ctl)
	require.NoError(t, err)

	port := srv.CommandAddr().(*net.TCPAddr).Port
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := client.Dial(context.Background(), "127.0.0.1", port)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()

			cmd := []byte{0x80, 0x01, 0, 0, 0, 0x0c, 0, 0, 0x01, 0x7b, 0, 8}
			for ctx.Err() == nil {
				resp, err := c.SendContext(context.Background(), cmd)
				if err != nil {
					errs <- err
					return
				}
				if _, err := protocol.ResponseCode(resp); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, ctl.PowerOff(context.Background()))
		require.NoError(t, ctl.PowerOn(context.Background()))
		time.Sleep(20 * time.Millisecond)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("client error: %v", err)
	}
}
