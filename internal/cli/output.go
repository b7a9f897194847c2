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
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/client"
	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// PrintSignal prints the status a platform signal was answered with
func (p *Printer) PrintSignal(signal protocol.Signal, status protocol.Status) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"signal": signal.String(),
			"status": uint32(status),
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s: %d\n", signal, uint32(status))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintResponse prints a raw TPM response with its decoded response code
func (p *Printer) PrintResponse(resp []byte) error {
	rc, err := protocol.ResponseCode(resp)
	if err != nil {
		return err
	}
	notReady := protocol.IsNotReadyResponse(resp)

	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"response":      hex.EncodeToString(resp),
			"response_code": fmt.Sprintf("0x%08x", uint32(rc)),
			"not_ready":     notReady,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Response:      %s\n", hex.EncodeToString(resp))
		fmt.Fprintf(p.writer, "Response code: %s\n", describeRC(rc))
		if notReady {
			fmt.Fprintln(p.writer, "Device not ready (powered off or NV unavailable)")
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintRandom prints bytes returned by TPM2_GetRandom
func (p *Printer) PrintRandom(random []byte) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"random": hex.EncodeToString(random),
			"size":   len(random),
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, hex.EncodeToString(random))
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintDeviceStatus prints the device state read from the admin API
func (p *Printer) PrintDeviceStatus(status *client.DeviceStatus) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(status)
	case OutputFormatText:
		fmt.Fprintf(p.writer, "Device:\n")
		fmt.Fprintf(p.writer, "  Provisioned:       %t\n", status.Provisioned)
		fmt.Fprintf(p.writer, "  Powered on:        %t\n", status.PoweredOn)
		fmt.Fprintf(p.writer, "  NV enabled:        %t\n", status.StorageEnabled)
		fmt.Fprintf(p.writer, "  Locality:          %d\n", status.Locality)
		fmt.Fprintf(p.writer, "  In flight:         %d\n", status.InFlight)
		fmt.Fprintf(p.writer, "  Command permitted: %t\n", status.CommandPermitted)
		if status.Version != "" {
			fmt.Fprintf(p.writer, "  Server version:    %s\n", status.Version)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// describeRC renders a response code the way go-tpm names it.
func describeRC(rc tpm2.TPMRC) string {
	if rc == tpm2.TPMRCSuccess {
		return "0x00000000 (success)"
	}
	return fmt.Sprintf("0x%08x (%v)", uint32(rc), rc.Error())
}
