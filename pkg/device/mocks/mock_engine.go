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
	"context"
	"sync"

	"github.com/jeremyhahn/go-vtpm/pkg/device"
)

var _ device.Engine = (*MockEngine)(nil)

// ExecuteCall records one Execute invocation.
type ExecuteCall struct {
	Locality uint8
	Command  []byte
}

// MockEngine is a configurable device.Engine for testing. Without hooks,
// Execute echoes the command back and the lifecycle methods succeed.
type MockEngine struct {
	mu sync.Mutex

	// Configurable behavior
	ExecuteFunc      func(ctx context.Context, locality uint8, command []byte) ([]byte, error)
	ManufactureFunc  func() error
	TearDownFunc     func() error
	ResetContextFunc func() error

	// Call tracking
	ExecuteCalls      []ExecuteCall
	ManufactureCalls  int
	TearDownCalls     int
	ResetContextCalls int
}

// NewMockEngine creates a MockEngine with default behavior.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// Execute records the call and runs ExecuteFunc. The hook runs without the
// mock's lock held so it may block.
func (m *MockEngine) Execute(ctx context.Context, locality uint8, command []byte) ([]byte, error) {
	m.mu.Lock()
	m.ExecuteCalls = append(m.ExecuteCalls, ExecuteCall{
		Locality: locality,
		Command:  append([]byte(nil), command...),
	})
	fn := m.ExecuteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, locality, command)
	}
	return append([]byte(nil), command...), nil
}

// Manufacture records the call and runs ManufactureFunc.
func (m *MockEngine) Manufacture() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ManufactureCalls++
	if m.ManufactureFunc != nil {
		return m.ManufactureFunc()
	}
	return nil
}

// TearDown records the call and runs TearDownFunc.
func (m *MockEngine) TearDown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TearDownCalls++
	if m.TearDownFunc != nil {
		return m.TearDownFunc()
	}
	return nil
}

// ResetContext records the call and runs ResetContextFunc.
func (m *MockEngine) ResetContext() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ResetContextCalls++
	if m.ResetContextFunc != nil {
		return m.ResetContextFunc()
	}
	return nil
}

// ExecuteCount returns the number of Execute calls so far.
func (m *MockEngine) ExecuteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ExecuteCalls)
}

// Calls returns a copy of the recorded Execute calls.
func (m *MockEngine) Calls() []ExecuteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecuteCall(nil), m.ExecuteCalls...)
}
