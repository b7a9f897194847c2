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
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/spf13/cobra"
)

// sendCmd sends a raw command buffer
var sendCmd = &cobra.Command{
	Use:   "send <hex>",
	Short: "Send a raw TPM command",
	Long: `Send a hex-encoded TPM command buffer on the command channel and print
the response. Whitespace in the argument is ignored.`,
	Example: `  vtpmctl send 80010000000c000001 7b0008`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := hex.DecodeString(strings.Join(strings.Fields(strings.Join(args, " ")), ""))
		if err != nil {
			return fmt.Errorf("invalid command hex: %w", err)
		}
		if len(input) == 0 {
			return fmt.Errorf("command cannot be empty")
		}

		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, cmd.OutOrStdout())

		ctx, cancel := cfg.Context()
		defer cancel()

		cl, err := cfg.CreateClient(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		printVerbose(cmd, "Sending %d byte command", len(input))
		resp, err := cl.SendContext(ctx, input)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		return printer.PrintResponse(resp)
	},
}

// startupCmd issues TPM2_Startup
var startupCmd = &cobra.Command{
	Use:   "startup",
	Short: "Run TPM2_Startup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetBool("state")
		startupType := tpm2.TPMSUClear
		if state {
			startupType = tpm2.TPMSUState
		}

		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, cmd.OutOrStdout())

		ctx, cancel := cfg.Context()
		defer cancel()

		cl, err := cfg.CreateClient(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		if _, err := (tpm2.Startup{StartupType: startupType}).Execute(cl); err != nil {
			return fmt.Errorf("TPM2_Startup failed: %w", err)
		}
		return printer.PrintSuccess("TPM2_Startup succeeded")
	},
}

// getRandomCmd issues TPM2_GetRandom
var getRandomCmd = &cobra.Command{
	Use:   "getrandom <bytes>",
	Short: "Run TPM2_GetRandom",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || n == 0 {
			return fmt.Errorf("invalid byte count %q", args[0])
		}

		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, cmd.OutOrStdout())

		ctx, cancel := cfg.Context()
		defer cancel()

		cl, err := cfg.CreateClient(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		rsp, err := tpm2.GetRandom{BytesRequested: uint16(n)}.Execute(cl)
		if err != nil {
			return fmt.Errorf("TPM2_GetRandom failed: %w", err)
		}
		return printer.PrintRandom(rsp.RandomBytes.Buffer)
	},
}

func init() {
	startupCmd.Flags().Bool("state", false, "resume saved state (TPM_SU_STATE) instead of TPM_SU_CLEAR")
}
