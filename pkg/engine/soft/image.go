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
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ImageVersion is the current NV image layout.
const ImageVersion = 1

// SeedSize is the size of the primary seed created at manufacture.
const SeedSize = 32

// ErrInvalidImage is returned when the NV image cannot be decoded or has an
// unsupported version.
var ErrInvalidImage = errors.New("soft: invalid NV image")

// Image is the persistent state of the soft engine. Integer keys keep the
// encoding compact and stable across field renames.
type Image struct {
	Version        int    `cbor:"1,keyasint"`
	ManufacturedAt int64  `cbor:"2,keyasint"`
	Seed           []byte `cbor:"3,keyasint"`

	// BootCount is incremented on every power-on.
	BootCount uint32 `cbor:"4,keyasint"`

	// Shutdown holds the TPM_SU of the last orderly shutdown, or 0 when
	// the last power loss was not preceded by one.
	Shutdown uint16 `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core Deterministic Encoding: identical state, identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("soft: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("soft: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeImage serializes img.
func EncodeImage(img *Image) ([]byte, error) {
	data, err := encMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("soft: encode image: %w", err)
	}
	return data, nil
}

// DecodeImage parses an NV image.
func DecodeImage(data []byte) (*Image, error) {
	var img Image
	if err := decMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidImage, img.Version)
	}
	if len(img.Seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrInvalidImage, len(img.Seed))
	}
	return &img, nil
}
