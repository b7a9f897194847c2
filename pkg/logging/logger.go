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

// Package logging builds the structured loggers used across the server.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

const (
	FormatJSON    = "json"
	FormatText    = "text"
	FormatConsole = "console"
)

// Logger couples a *slog.Logger with the level variable behind its handler
// so the level can be changed at runtime for every derived logger.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	format string
}

// New creates a logger writing to w. Unknown levels fall back to info and
// unknown formats to JSON.
func New(level, format string, w io.Writer) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case FormatText, FormatConsole:
		handler = slog.NewTextHandler(w, opts)
		format = FormatText
	default:
		handler = slog.NewJSONHandler(w, opts)
		format = FormatJSON
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  lv,
		format: format,
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SetLevel changes the minimum level of this logger and all loggers
// derived from it with With.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Format returns the handler format, "json" or "text".
func (l *Logger) Format() string {
	return l.format
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is one ParseLevel understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ValidFormat reports whether format names a supported handler.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case FormatJSON, FormatText, FormatConsole:
		return true
	}
	return false
}
