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

// Package protocol implements the two wire message families spoken on the
// simulator ports: platform signals on the platform port and length-framed
// command buffers on the command port. All integers are big-endian.
//
// The functions in this package are stateless and perform no I/O beyond the
// reader or writer they are given.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Signal is a platform-signal code.
type Signal uint32

const (
	SignalPowerOn     Signal = 1
	SignalPowerOff    Signal = 2
	SignalNVOn        Signal = 3
	SignalNVOff       Signal = 4
	SignalReset       Signal = 5
	SignalSetLocality Signal = 6
	SignalCancel      Signal = 7
)

// String returns the conventional name of the signal.
func (s Signal) String() string {
	switch s {
	case SignalPowerOn:
		return "POWER_ON"
	case SignalPowerOff:
		return "POWER_OFF"
	case SignalNVOn:
		return "NV_ON"
	case SignalNVOff:
		return "NV_OFF"
	case SignalReset:
		return "RESET"
	case SignalSetLocality:
		return "SET_LOCALITY"
	case SignalCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(s))
	}
}

// Valid reports whether s is a signal this protocol defines.
func (s Signal) Valid() bool {
	return s >= SignalPowerOn && s <= SignalCancel
}

// paramSize is the number of parameter bytes following the signal code.
func (s Signal) paramSize() int {
	if s == SignalSetLocality {
		return 1
	}
	return 0
}

// Status is the 4-byte reply to a platform signal.
type Status uint32

const (
	// StatusOK acknowledges that the signal was applied.
	StatusOK Status = 0
	// StatusRejected means the signal was well formed but refused,
	// e.g. an undefined locality.
	StatusRejected Status = 1
)

// PlatformMessage is one decoded platform signal.
type PlatformMessage struct {
	Signal Signal
	// Locality is only meaningful for SignalSetLocality.
	Locality uint8
}

// ReadPlatformMessage decodes one platform message from r.
//
// io.EOF is returned unwrapped when r ends cleanly before the first byte of
// a message, which is how a peer signals that it is done.
func ReadPlatformMessage(r io.Reader) (PlatformMessage, error) {
	var hdr [4]byte
	if err := readFull(r, hdr[:], "read signal"); err != nil {
		return PlatformMessage{}, err
	}
	msg := PlatformMessage{Signal: Signal(binary.BigEndian.Uint32(hdr[:]))}
	if !msg.Signal.Valid() {
		return msg, &ProtocolError{
			Op:  fmt.Sprintf("decode signal %d", uint32(msg.Signal)),
			Err: ErrUnknownSignal,
		}
	}
	if msg.Signal.paramSize() == 1 {
		var param [1]byte
		if err := readFull(r, param[:], "read locality"); err != nil {
			return msg, truncated(err, "read locality")
		}
		msg.Locality = param[0]
	}
	return msg, nil
}

// WritePlatformMessage encodes msg to w.
func WritePlatformMessage(w io.Writer, msg PlatformMessage) error {
	buf, err := MarshalPlatformMessage(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// MarshalPlatformMessage returns the wire encoding of msg.
func MarshalPlatformMessage(msg PlatformMessage) ([]byte, error) {
	if !msg.Signal.Valid() {
		return nil, &ProtocolError{Op: "encode signal", Err: ErrUnknownSignal}
	}
	buf := binary.BigEndian.AppendUint32(make([]byte, 0, 5), uint32(msg.Signal))
	if msg.Signal.paramSize() == 1 {
		buf = append(buf, msg.Locality)
	}
	return buf, nil
}

// UnmarshalPlatformMessage decodes exactly one platform message from data.
func UnmarshalPlatformMessage(data []byte) (PlatformMessage, error) {
	r := bytes.NewReader(data)
	msg, err := ReadPlatformMessage(r)
	if err != nil {
		return msg, truncated(err, "read signal")
	}
	if r.Len() != 0 {
		return msg, &ProtocolError{Op: "decode signal", Err: ErrTrailingData}
	}
	return msg, nil
}

// ReadStatus decodes a 4-byte status reply.
func ReadStatus(r io.Reader) (Status, error) {
	var buf [4]byte
	if err := readFull(r, buf[:], "read status"); err != nil {
		return 0, err
	}
	return Status(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteStatus encodes a 4-byte status reply.
func WriteStatus(w io.Writer, status Status) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(status))
	_, err := w.Write(buf[:])
	return err
}

// readFull fills buf from r. A clean EOF before any byte is read is returned
// as io.EOF; a short read is reported as a truncated ProtocolError.
func readFull(r io.Reader, buf []byte, op string) error {
	_, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return &ProtocolError{Op: op, Err: ErrTruncated}
	default:
		return err
	}
}

// truncated converts a bare io.EOF found inside a message into ErrTruncated.
func truncated(err error, op string) error {
	if errors.Is(err, io.EOF) && !IsProtocolError(err) {
		return &ProtocolError{Op: op, Err: ErrTruncated}
	}
	return err
}
