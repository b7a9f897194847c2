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

package mocks

import (
	"sync"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
)

var _ device.Storage = (*MockStorage)(nil)

// MockStorage is a configurable device.Storage for testing. It tracks a
// single "has content" flag: Provisioned is set by MarkProvisioned and
// cleared by a discarding Disable.
type MockStorage struct {
	mu sync.Mutex

	// Configurable behavior
	EnableFunc  func() error
	DisableFunc func(discard bool) error

	// Call tracking
	EnableCalls  int
	DisableCalls []bool

	// State
	enabled     bool
	provisioned bool
}

// NewMockStorage creates an empty MockStorage.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// Enable records the call and runs EnableFunc.
func (m *MockStorage) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EnableCalls++
	if m.EnableFunc != nil {
		if err := m.EnableFunc(); err != nil {
			return err
		}
	}
	m.enabled = true
	return nil
}

// Disable records the call and runs DisableFunc. With discard set the
// stored content is dropped.
func (m *MockStorage) Disable(discard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DisableCalls = append(m.DisableCalls, discard)
	if m.DisableFunc != nil {
		if err := m.DisableFunc(discard); err != nil {
			return err
		}
	}
	m.enabled = false
	if discard {
		m.provisioned = false
	}
	return nil
}

// NeedsProvisioning reports whether no content is stored.
func (m *MockStorage) NeedsProvisioning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.provisioned
}

// MarkProvisioned simulates factory content being present.
func (m *MockStorage) MarkProvisioned() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisioned = true
}

// Enabled reports whether the store is currently enabled.
func (m *MockStorage) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Discards returns how many Disable calls discarded content.
func (m *MockStorage) Discards() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, discard := range m.DisableCalls {
		if discard {
			n++
		}
	}
	return n
}
