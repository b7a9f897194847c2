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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// stateCmd reads the device state from the admin API
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show device state",
	Long:  `Read the device state from the server's admin HTTP API (admin.enabled must be set on the server).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, cmd.OutOrStdout())

		ctx, cancel := cfg.Context()
		defer cancel()

		printVerbose(cmd, "Querying %s", cfg.AdminURL)
		status, err := cfg.CreateAdminClient().Device(ctx)
		if err != nil {
			return fmt.Errorf("failed to read device state: %w", err)
		}
		return printer.PrintDeviceStatus(status)
	},
}
