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

// Package correlation tags each accepted connection with an identifier
// that follows its log records and admin API requests.
package correlation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// ConnIDKey is the context key for connection IDs
	ConnIDKey contextKey = "conn-id"

	// LogKey is the attribute name used in log records
	LogKey = "conn_id"

	// RequestIDHeader is the admin API header carrying a request ID
	RequestIDHeader = "X-Request-ID"
)

// NewID generates a new UUID v4.
func NewID() string {
	return uuid.New().String()
}

// WithConnID returns a copy of ctx carrying id.
func WithConnID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ConnIDKey, id)
}

// ConnID returns the connection ID stored in ctx, or "".
func ConnID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ConnIDKey).(string); ok {
		return id
	}
	return ""
}

// GetOrGenerate returns the ID in ctx or a fresh one.
func GetOrGenerate(ctx context.Context) string {
	if id := ConnID(ctx); id != "" {
		return id
	}
	return NewID()
}

// Attr returns the log attribute for id.
func Attr(id string) slog.Attr {
	return slog.String(LogKey, id)
}
