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

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2"
)

const (
	// DefaultMaxPayloadSize bounds a single command or response buffer.
	// It matches the command buffer size of the reference simulator.
	DefaultMaxPayloadSize = 4096

	// ResponseHeaderSize is the size of a TPM response header:
	// tag (2) + responseSize (4) + responseCode (4).
	ResponseHeaderSize = 10
)

// ReadCommand decodes one length-framed buffer from r. Lengths above
// maxSize are rejected before any payload is read.
//
// io.EOF is returned unwrapped when r ends cleanly before the length prefix.
func ReadCommand(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [4]byte
	if err := readFull(r, hdr[:], "read length"); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxSize {
		return nil, &ProtocolError{
			Op:  fmt.Sprintf("decode length %d (max %d)", size, maxSize),
			Err: ErrPayloadTooLarge,
		}
	}
	payload := make([]byte, size)
	if err := readFull(r, payload, "read payload"); err != nil {
		return nil, truncated(err, "read payload")
	}
	return payload, nil
}

// WriteCommand writes payload to w with its 4-byte length prefix. Requests
// and responses share the framing.
func WriteCommand(w io.Writer, payload []byte) error {
	_, err := w.Write(MarshalCommand(payload))
	return err
}

// MarshalCommand returns the framed encoding of payload.
func MarshalCommand(payload []byte) []byte {
	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// UnmarshalCommand decodes exactly one framed buffer from data.
func UnmarshalCommand(data []byte, maxSize uint32) ([]byte, error) {
	r := bytes.NewReader(data)
	payload, err := ReadCommand(r, maxSize)
	if err != nil {
		return nil, truncated(err, "read length")
	}
	if r.Len() != 0 {
		return nil, &ProtocolError{Op: "decode command", Err: ErrTrailingData}
	}
	return payload, nil
}

// ErrorResponse builds a header-only TPM response carrying rc.
func ErrorResponse(rc tpm2.TPMRC) []byte {
	buf := make([]byte, ResponseHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tpm2.TPMSTNoSessions))
	binary.BigEndian.PutUint32(buf[2:6], ResponseHeaderSize)
	binary.BigEndian.PutUint32(buf[6:10], uint32(rc))
	return buf
}

// NotReadyResponse is the fixed reply to a command submitted while the
// device is powered off or NV is unavailable. The engine never sees such
// commands. It carries the TPM_RC_RETRY warning so it cannot be confused
// with the TPM_RC_FAILURE an engine fault produces.
func NotReadyResponse() []byte {
	return ErrorResponse(tpm2.TPMRCRetry)
}

// IsNotReadyResponse reports whether resp is the fixed not-ready reply.
func IsNotReadyResponse(resp []byte) bool {
	return bytes.Equal(resp, NotReadyResponse())
}

// ResponseCode extracts the response code from a TPM response header.
func ResponseCode(resp []byte) (tpm2.TPMRC, error) {
	if len(resp) < ResponseHeaderSize {
		return 0, &ProtocolError{Op: "decode response header", Err: ErrTruncated}
	}
	return tpm2.TPMRC(binary.BigEndian.Uint32(resp[6:10])), nil
}
