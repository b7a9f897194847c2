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


// Package client talks to a running simulator: platform signals on the
// platform channel, raw TPM commands on the command channel and the device
// view of the admin API. A Client implements go-tpm's transport.TPM so the
// go-tpm command structs run over the wire unchanged.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

var _ transport.TPM = (*Client)(nil)

var (
	// ErrNotConnected is returned when the channel an operation needs was
	// not dialed or the client is closed.
	ErrNotConnected = errors.New("client: channel not connected")

	// ErrRejected is wrapped by every *PlatformError.
	ErrRejected = errors.New("client: signal rejected")
)

// PlatformError reports a signal the server answered with a non-OK status.
type PlatformError struct {
	Signal protocol.Signal
	Status protocol.Status
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("%s rejected with status %d", e.Signal, uint32(e.Status))
}

func (e *PlatformError) Unwrap() error {
	return ErrRejected
}

// Config configures Dial. An empty address skips that channel.
type Config struct {
	CommandAddr  string
	PlatformAddr string

	// DialTimeout bounds each dial. Defaults to 5 seconds.
	DialTimeout time.Duration

	// MaxPayloadSize bounds responses read from the command channel.
	// Defaults to protocol.DefaultMaxPayloadSize.
	MaxPayloadSize uint32
}

// Client holds one connection per channel. Each channel is used by one
// request at a time; the two channels are independent.
type Client struct {
	cmdMu      sync.Mutex
	cmd        net.Conn
	platMu     sync.Mutex
	plat       net.Conn
	maxPayload uint32
}

// Addrs returns the command and platform addresses for a host and command
// port.
func Addrs(host string, port int) (string, string) {
	return net.JoinHostPort(host, strconv.Itoa(port)), net.JoinHostPort(host, strconv.Itoa(port+1))
}

// Dial connects to both channels of the simulator at host:port and
// host:port+1.
func Dial(ctx context.Context, host string, port int) (*Client, error) {
	cmdAddr, platAddr := Addrs(host, port)
	return DialConfig(ctx, &Config{CommandAddr: cmdAddr, PlatformAddr: platAddr})
}

// DialConfig connects the channels named in cfg.
func DialConfig(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil || (cfg.CommandAddr == "" && cfg.PlatformAddr == "") {
		return nil, fmt.Errorf("client: no address configured")
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	c := &Client{maxPayload: cfg.MaxPayloadSize}
	if c.maxPayload == 0 {
		c.maxPayload = protocol.DefaultMaxPayloadSize
	}

	if cfg.CommandAddr != "" {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.CommandAddr)
		if err != nil {
			return nil, fmt.Errorf("client: dial command channel %s: %w", cfg.CommandAddr, err)
		}
		c.cmd = conn
	}
	if cfg.PlatformAddr != "" {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.PlatformAddr)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("client: dial platform channel %s: %w", cfg.PlatformAddr, err)
		}
		c.plat = conn
	}
	return c, nil
}

// NewFromConns wraps established connections. Either may be nil.
func NewFromConns(command, platform net.Conn) *Client {
	return &Client{cmd: command, plat: platform, maxPayload: protocol.DefaultMaxPayloadSize}
}

// Signal sends one platform message and returns the raw status.
func (c *Client) Signal(ctx context.Context, msg protocol.PlatformMessage) (protocol.Status, error) {
	c.platMu.Lock()
	defer c.platMu.Unlock()

	if c.plat == nil {
		return 0, ErrNotConnected
	}
	stop := watchDeadline(ctx, c.plat)
	defer stop()

	if err := protocol.WritePlatformMessage(c.plat, msg); err != nil {
		return 0, fmt.Errorf("client: send %s: %w", msg.Signal, err)
	}
	status, err := protocol.ReadStatus(c.plat)
	if err != nil {
		return 0, fmt.Errorf("client: read %s status: %w", msg.Signal, err)
	}
	return status, nil
}

func (c *Client) signal(ctx context.Context, msg protocol.PlatformMessage) error {
	status, err := c.Signal(ctx, msg)
	if err != nil {
		return err
	}
	if status != protocol.StatusOK {
		return &PlatformError{Signal: msg.Signal, Status: status}
	}
	return nil
}

// PowerOn sends the power-on signal.
func (c *Client) PowerOn(ctx context.Context) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalPowerOn})
}

// PowerOff sends the power-off signal. When it returns, no further
// command is admitted until power returns.
func (c *Client) PowerOff(ctx context.Context) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalPowerOff})
}

// NVOn enables NV.
func (c *Client) NVOn(ctx context.Context) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalNVOn})
}

// NVOff disables NV.
func (c *Client) NVOff(ctx context.Context) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalNVOff})
}

// Reset power-cycles the device.
func (c *Client) Reset(ctx context.Context) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalReset})
}

// SetLocality sets the locality of subsequent commands.
func (c *Client) SetLocality(ctx context.Context, locality uint8) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalSetLocality, Locality: locality})
}

// Cancel cancels the commands currently executing.
func (c *Client) Cancel(ctx context.Context) error {
	return c.signal(ctx, protocol.PlatformMessage{Signal: protocol.SignalCancel})
}

// Send implements transport.TPM.
func (c *Client) Send(input []byte) ([]byte, error) {
	return c.SendContext(context.Background(), input)
}

// SendContext sends one command buffer and returns the response buffer.
// The response is returned as is, including not-ready and error
// responses.
func (c *Client) SendContext(ctx context.Context, input []byte) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.cmd == nil {
		return nil, ErrNotConnected
	}
	stop := watchDeadline(ctx, c.cmd)
	defer stop()

	if err := protocol.WriteCommand(c.cmd, input); err != nil {
		return nil, fmt.Errorf("client: send command: %w", err)
	}
	resp, err := protocol.ReadCommand(c.cmd, c.maxPayload)
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	return resp, nil
}

// Close closes both channels.
func (c *Client) Close() error {
	c.cmdMu.Lock()
	c.platMu.Lock()
	defer c.cmdMu.Unlock()
	defer c.platMu.Unlock()

	var errs []error
	if c.cmd != nil {
		errs = append(errs, c.cmd.Close())
		c.cmd = nil
	}
	if c.plat != nil {
		errs = append(errs, c.plat.Close())
		c.plat = nil
	}
	return errors.Join(errs...)
}

// watchDeadline applies ctx's deadline to conn and interrupts blocked I/O
// when ctx is cancelled. The returned func restores the connection.
func watchDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
