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

// Command vtpm-server runs the virtual TPM simulator. TPM commands are
// served on the command port and platform signals on the port above it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jeremyhahn/go-vtpm/internal/config"
	"github.com/jeremyhahn/go-vtpm/internal/server"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const purpose = "Virtual TPM simulator.\n"

type options struct {
	port          int
	remanufacture bool
	configPath    string
	showVersion   bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return server.ExitFailure
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "go-vtpm server\n")
		fmt.Fprintf(stdout, "  Version:    %s\n", version)
		fmt.Fprintf(stdout, "  Git Commit: %s\n", commit)
		fmt.Fprintf(stdout, "  Built:      %s\n", date)
		return server.ExitOK
	}

	// Check for config file override via environment
	if opts.configPath == "" {
		opts.configPath = os.Getenv("VTPM_CONFIG")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		return server.ExitFailure
	}
	if opts.port != 0 {
		cfg.Server.CommandPort = opts.port
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", slog.Any("error", err))
		return server.ExitFailure
	}

	if err := srv.Provision(opts.remanufacture); err != nil {
		slog.Error("Failed to provision device", slog.Any("error", err))
		_ = srv.Shutdown()
		return server.ExitCode(err)
	}

	// Setup signal handler for graceful shutdown
	shutdownCtx := server.SetupSignalHandler()
	srv.HandleReload(shutdownCtx, func() (*config.Config, error) {
		return config.Load(opts.configPath)
	})

	if err := srv.Run(shutdownCtx); err != nil {
		slog.Error("Server stopped with error", slog.Any("error", err))
		return server.ExitCode(err)
	}

	slog.Info("Server stopped successfully")
	return server.ExitOK
}

// parseArgs parses the command line. On any error, including -h, the usage
// text has already been written to stderr.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("vtpm-server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&opts.port, "port", 0, "")
	fs.BoolVar(&opts.remanufacture, "rm", false, "")
	fs.StringVar(&opts.configPath, "config", "", "")
	fs.BoolVar(&opts.showVersion, "version", false, "")

	if err := fs.Parse(args); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%v\n", err)
		}
		usage(stderr)
		return nil, err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "'%s' is not a valid option\n", fs.Arg(0))
		usage(stderr)
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	portSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			portSet = true
		}
	})
	if portSet && (opts.port < 1 || opts.port > maxPort) {
		fmt.Fprintf(stderr, "Invalid port %d: must be between 1 and %d\n", opts.port, maxPort)
		usage(stderr)
		return nil, fmt.Errorf("invalid port %d", opts.port)
	}
	return opts, nil
}

// maxPort leaves room for the platform port at port+1.
const maxPort = 65534

func usage(w io.Writer) {
	fmt.Fprint(w, purpose)
	fmt.Fprintf(w, "Usage: vtpm-server [options..]\n")
	fmt.Fprintf(w, "  -port <port>\tStart the TPM server on port and port+1. The default ports are %d and %d.\n",
		config.DefaultCommandPort, config.DefaultCommandPort+1)
	fmt.Fprintf(w, "\t\tport must be between 1 and %d.\n", maxPort)
	fmt.Fprintf(w, "  -rm\t\tRemanufacture the TPM before starting\n")
	fmt.Fprintf(w, "  -config <path>\tConfiguration file (default $VTPM_CONFIG)\n")
	fmt.Fprintf(w, "  -version\tShow version information\n")
	fmt.Fprintf(w, "  -h\t\tThis message\n")
}
