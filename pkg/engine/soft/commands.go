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

package soft

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/go-tpm/tpm2"

	"github.com/jeremyhahn/go-vtpm/pkg/protocol"
)

// rcBadTag is TPM_RC_BAD_TAG (0x01E), which go-tpm does not define.
const rcBadTag tpm2.TPMRC = 0x01E

// MaxRandomBytes caps a single GetRandom reply at the largest digest size.
const MaxRandomBytes = 64

type command struct {
	tag    tpm2.TPMST
	code   tpm2.TPMCC
	params []byte
}

// parseCommand validates the 10-byte command header.
func parseCommand(b []byte) (command, tpm2.TPMRC) {
	if len(b) < protocol.ResponseHeaderSize {
		return command{}, tpm2.TPMRCCommandSize
	}
	tag := tpm2.TPMST(binary.BigEndian.Uint16(b[0:2]))
	if tag != tpm2.TPMSTNoSessions && tag != tpm2.TPMSTSessions {
		return command{}, rcBadTag
	}
	if int(binary.BigEndian.Uint32(b[2:6])) != len(b) {
		return command{}, tpm2.TPMRCCommandSize
	}
	return command{
		tag:    tag,
		code:   tpm2.TPMCC(binary.BigEndian.Uint32(b[6:10])),
		params: b[10:],
	}, tpm2.TPMRCSuccess
}

// checkParams rejects authorization sessions, which this engine does not
// implement, and parameter areas of the wrong size.
func checkParams(cmd command, size int) tpm2.TPMRC {
	if cmd.tag != tpm2.TPMSTNoSessions {
		return rcBadTag
	}
	if len(cmd.params) != size {
		return tpm2.TPMRCCommandSize
	}
	return tpm2.TPMRCSuccess
}

// success builds a TPM_RC_SUCCESS response carrying params.
func success(params []byte) []byte {
	size := protocol.ResponseHeaderSize + len(params)
	buf := make([]byte, protocol.ResponseHeaderSize, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tpm2.TPMSTNoSessions))
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], uint32(tpm2.TPMRCSuccess))
	return append(buf, params...)
}

func (e *Engine) startup(cmd command) ([]byte, error) {
	if rc := checkParams(cmd, 2); rc != tpm2.TPMRCSuccess {
		return protocol.ErrorResponse(rc), nil
	}
	if e.started {
		return protocol.ErrorResponse(tpm2.TPMRCInitialize), nil
	}

	su := tpm2.TPMSU(binary.BigEndian.Uint16(cmd.params))
	switch su {
	case tpm2.TPMSUClear:
	case tpm2.TPMSUState:
		// Resume requires a preceding Shutdown(STATE).
		if e.image.Shutdown != uint16(tpm2.TPMSUState) {
			return protocol.ErrorResponse(tpm2.TPMRCValue), nil
		}
	default:
		return protocol.ErrorResponse(tpm2.TPMRCValue), nil
	}

	if e.image.Shutdown != 0 {
		next := *e.image
		next.Shutdown = 0
		if err := e.persist(&next); err != nil {
			return nil, err
		}
		e.image = &next
	}
	e.started = true
	return success(nil), nil
}

func (e *Engine) shutdown(cmd command) ([]byte, error) {
	if rc := checkParams(cmd, 2); rc != tpm2.TPMRCSuccess {
		return protocol.ErrorResponse(rc), nil
	}
	su := tpm2.TPMSU(binary.BigEndian.Uint16(cmd.params))
	if su != tpm2.TPMSUClear && su != tpm2.TPMSUState {
		return protocol.ErrorResponse(tpm2.TPMRCValue), nil
	}

	next := *e.image
	next.Shutdown = uint16(su)
	if err := e.persist(&next); err != nil {
		return nil, err
	}
	e.image = &next
	return success(nil), nil
}

func (e *Engine) getRandom(cmd command) ([]byte, error) {
	if rc := checkParams(cmd, 2); rc != tpm2.TPMRCSuccess {
		return protocol.ErrorResponse(rc), nil
	}
	n := int(binary.BigEndian.Uint16(cmd.params))
	if n > MaxRandomBytes {
		n = MaxRandomBytes
	}

	params := make([]byte, 2+n)
	binary.BigEndian.PutUint16(params, uint16(n))
	if _, err := io.ReadFull(e.rand, params[2:]); err != nil {
		return nil, fmt.Errorf("soft: read entropy: %w", err)
	}
	return success(params), nil
}

func (e *Engine) selfTest(cmd command) ([]byte, error) {
	if rc := checkParams(cmd, 1); rc != tpm2.TPMRCSuccess {
		return protocol.ErrorResponse(rc), nil
	}
	if cmd.params[0] > 1 {
		return protocol.ErrorResponse(tpm2.TPMRCValue), nil
	}
	e.selfTested = true
	return success(nil), nil
}

func commandName(code tpm2.TPMCC) string {
	switch code {
	case tpm2.TPMCCStartup:
		return "TPM2_Startup"
	case tpm2.TPMCCShutdown:
		return "TPM2_Shutdown"
	case tpm2.TPMCCGetRandom:
		return "TPM2_GetRandom"
	case tpm2.TPMCCSelfTest:
		return "TPM2_SelfTest"
	default:
		return fmt.Sprintf("0x%08x", uint32(code))
	}
}
