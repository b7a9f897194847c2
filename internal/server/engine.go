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


package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jeremyhahn/go-vtpm/internal/config"
	"github.com/jeremyhahn/go-vtpm/pkg/device"
	"github.com/jeremyhahn/go-vtpm/pkg/engine/simulator"
	"github.com/jeremyhahn/go-vtpm/pkg/engine/soft"
	"github.com/jeremyhahn/go-vtpm/pkg/nvram"
)

// newEngine creates the execution engine named by the config.
func newEngine(cfg config.DeviceConfig, store nvram.Store, logger *slog.Logger) (device.Engine, error) {
	switch strings.ToLower(cfg.Engine) {
	case config.EngineSoft, "":
		return soft.New(store, soft.WithLogger(logger)), nil

	case config.EngineSimulator:
		if !simulator.Available {
			return nil, simulator.ErrNotAvailable
		}
		opts := []simulator.Option{simulator.WithLogger(logger)}
		if cfg.Seed != 0 {
			opts = append(opts, simulator.WithFixedSeed(cfg.Seed))
		}
		return simulator.New(store, opts...), nil

	default:
		return nil, fmt.Errorf("%w: unknown engine %q", config.ErrInvalidConfig, cfg.Engine)
	}
}
