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

package nvram

import "sync"

// MemoryStore keeps the image in memory. Content survives Disable(false)
// but not the process.
type MemoryStore struct {
	mu      sync.RWMutex
	image   []byte
	enabled bool
}

// NewMemoryStore creates an empty, disabled store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Enable makes the store available. Calling it on an enabled store is a
// no-op.
func (s *MemoryStore) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	return nil
}

// Disable releases the store, dropping the image when discard is set.
func (s *MemoryStore) Disable(discard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = false
	if discard {
		s.image = nil
	}
	return nil
}

// NeedsProvisioning reports whether no image is held.
func (s *MemoryStore) NeedsProvisioning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.image) == 0
}

// Read returns a copy of the image.
func (s *MemoryStore) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.enabled {
		return nil, ErrDisabled
	}
	return clone(s.image), nil
}

// Write stores a copy of image.
func (s *MemoryStore) Write(image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return ErrDisabled
	}
	s.image = clone(image)
	return nil
}
