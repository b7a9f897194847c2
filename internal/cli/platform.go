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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

// signalCommand describes one platform signal subcommand.
type signalCommand struct {
	use    string
	short  string
	signal protocol.Signal
}

var signalCommands = []signalCommand{
	{"power-on", "Power the device on", protocol.SignalPowerOn},
	{"power-off", "Power the device off", protocol.SignalPowerOff},
	{"nv-on", "Make NV storage available", protocol.SignalNVOn},
	{"nv-off", "Make NV storage unavailable", protocol.SignalNVOff},
	{"reset", "Power-cycle the device", protocol.SignalReset},
	{"cancel", "Cancel in-flight commands", protocol.SignalCancel},
}

// localityCmd sets the locality of subsequent commands
var localityCmd = &cobra.Command{
	Use:   "locality <n>",
	Short: "Set the command locality",
	Long:  `Set the locality attached to subsequent commands. Valid localities are 0-4 and 32-255.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid locality %q: %w", args[0], err)
		}
		return runSignal(cmd, protocol.PlatformMessage{
			Signal:   protocol.SignalSetLocality,
			Locality: uint8(n),
		})
	},
}

func platformCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(signalCommands)+1)
	for _, sc := range signalCommands {
		signal := sc.signal
		cmds = append(cmds, &cobra.Command{
			Use:   sc.use,
			Short: sc.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSignal(cmd, protocol.PlatformMessage{Signal: signal})
			},
		})
	}
	return append(cmds, localityCmd)
}

// runSignal sends msg on the platform channel. A rejected signal prints its
// status and fails the command.
func runSignal(cmd *cobra.Command, msg protocol.PlatformMessage) error {
	cfg := getConfig()
	printer := NewPrinter(cfg.OutputFormat, cmd.OutOrStdout())

	ctx, cancel := cfg.Context()
	defer cancel()

	printVerbose(cmd, "Sending %s to %s:%d", msg.Signal, cfg.Host, cfg.Port+1)

	cl, err := cfg.CreateClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close() }()

	status, err := cl.Signal(ctx, msg)
	if err != nil {
		return fmt.Errorf("%s failed: %w", msg.Signal, err)
	}
	if err := printer.PrintSignal(msg.Signal, status); err != nil {
		return err
	}
	if status != protocol.StatusOK {
		return fmt.Errorf("%s rejected with status %d", msg.Signal, uint32(status))
	}
	return nil
}
