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

package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("expected unique IDs")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected a valid UUID, got %q: %v", a, err)
	}
}

func TestConnIDRoundTrip(t *testing.T) {
	ctx := WithConnID(context.Background(), "conn-1")
	if got := ConnID(ctx); got != "conn-1" {
		t.Errorf("expected conn-1, got %q", got)
	}
	if got := GetOrGenerate(ctx); got != "conn-1" {
		t.Errorf("expected existing ID, got %q", got)
	}
}

func TestConnID_Missing(t *testing.T) {
	if got := ConnID(context.Background()); got != "" {
		t.Errorf("expected empty ID, got %q", got)
	}
	//nolint:staticcheck // nil context is tolerated
	if got := ConnID(nil); got != "" {
		t.Errorf("expected empty ID for nil context, got %q", got)
	}
	if got := GetOrGenerate(context.Background()); got == "" {
		t.Error("expected a generated ID")
	}
}

func TestWithConnID_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is tolerated
	ctx := WithConnID(nil, "x")
	if ConnID(ctx) != "x" {
		t.Error("expected ID on context derived from nil")
	}
}

func TestAttr(t *testing.T) {
	attr := Attr("abc")
	if attr.Key != LogKey || attr.Value.String() != "abc" {
		t.Errorf("unexpected attribute %v", attr)
	}
}
