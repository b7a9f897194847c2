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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration
	globalConfig *Config
	v            *viper.Viper
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vtpmctl",
	Short: "vtpmctl - control client for the go-vtpm simulator",
	Long: `vtpmctl drives a running vtpm-server over its two TCP channels.

Platform signals (power-on, power-off, nv-on, nv-off, reset, locality,
cancel) go to the platform port; TPM commands (send, startup, getrandom)
go to the command port. The state command reads the admin HTTP API.

Settings come from flags, VTPMCTL_* environment variables or
$HOME/.vtpmctl.yaml, in that order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	globalConfig = NewConfig()
	v = viper.New()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globalConfig.ConfigFile, "config", "",
		"config file (default is $HOME/.vtpmctl.yaml)")
	flags.String("host", globalConfig.Host, "simulator host")
	flags.Int("port", globalConfig.Port, "simulator command port; the platform port is port+1")
	flags.String("admin-url", globalConfig.AdminURL, "admin API base URL")
	flags.Duration("timeout", globalConfig.Timeout, "per-request timeout")
	flags.StringP("output", "o", globalConfig.OutputFormat, "output format (text, json)")
	flags.BoolP("verbose", "v", false, "verbose output")

	for _, name := range []string{"host", "port", "admin-url", "timeout", "output", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(platformCommands()...)
	rootCmd.AddCommand(sendCmd, startupCmd, getRandomCmd)
	rootCmd.AddCommand(stateCmd)
}

// initConfig merges the config file and environment into globalConfig.
func initConfig() error {
	v.SetEnvPrefix("VTPMCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if globalConfig.ConfigFile != "" {
		v.SetConfigFile(globalConfig.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName(".vtpmctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if globalConfig.ConfigFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return globalConfig.load(v)
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// HandleError prints err in the configured output format.
func HandleError(w io.Writer, err error) {
	printer := NewPrinter(globalConfig.OutputFormat, w)
	_ = printer.PrintError(err) // Error printing to stderr is best-effort
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(cmd *cobra.Command, format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}
