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

//go:build tpm_simulator

package simulator

import (
	"fmt"

	"github.com/google/go-tpm-tools/simulator"
)

// Available reports whether the reference TPM is compiled in.
const Available = true

func openSimulator(seed *int64) (backend, error) {
	var (
		sim *simulator.Simulator
		err error
	)
	if seed != nil {
		sim, err = simulator.GetWithFixedSeedInsecure(*seed)
	} else {
		sim, err = simulator.Get()
	}
	if err != nil {
		return nil, fmt.Errorf("simulator: open: %w", err)
	}
	return sim, nil
}
