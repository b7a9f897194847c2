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

// Package metrics provides Prometheus instrumentation for the virtual TPM.
// It exposes platform signal and command counters, command latency
// histograms, connection and protocol error counters, and device state
// gauges.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all vtpm metrics
	Namespace = "vtpm"

	// Label names
	LabelSignal     = "signal"
	LabelStatus     = "status"
	LabelResult     = "result"
	LabelChannel    = "channel"
	LabelReason     = "reason"
	LabelState      = "state"
	LabelMethod     = "method"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess  = "success"
	StatusRejected = "rejected"

	// Command results
	ResultExecuted = "executed"
	ResultNotReady = "not_ready"
	ResultError    = "error"

	// Channel names
	ChannelCommand  = "command"
	ChannelPlatform = "platform"

	// Device state gauge labels
	StatePoweredOn   = "powered_on"
	StateNVEnabled   = "nv_enabled"
	StateProvisioned = "provisioned"
)

var (
	// SignalsTotal counts platform signals by name and reply status.
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "platform_signals_total",
			Help:      "Total number of platform signals by signal and status",
		},
		[]string{LabelSignal, LabelStatus},
	)

	// CommandsTotal counts command submissions by result.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Total number of TPM commands by result",
		},
		[]string{LabelResult},
	)

	// CommandDuration tracks the time from admission to response in seconds.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of TPM command execution in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{LabelResult},
	)

	// InFlightCommands is the number of admitted commands still running.
	InFlightCommands = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "inflight_commands",
			Help:      "Number of admitted commands currently executing",
		},
	)

	// ProtocolErrorsTotal counts connections closed on a decode error.
	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed messages by channel and reason",
		},
		[]string{LabelChannel, LabelReason},
	)

	// ActiveConnections tracks open connections per channel.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by channel",
		},
		[]string{LabelChannel},
	)

	// RateLimitedTotal counts commands delayed by the per-peer limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of commands delayed by rate limiting",
		},
	)

	// ProvisionsTotal counts provisioning attempts by result.
	ProvisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "provisions_total",
			Help:      "Total number of provisioning attempts by result",
		},
		[]string{LabelResult},
	)

	// DeviceState is 1 when the labelled condition holds and 0 otherwise.
	DeviceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "device_state",
			Help:      "Device state flags (1 = set)",
		},
		[]string{LabelState},
	)

	// HTTPRequestsTotal tracks admin API requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total number of admin API requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks admin API request duration in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Duration of admin API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordSignal records a platform signal and the status it was answered with.
//
// Example:
//
//	status := handle(msg)
//	metrics.RecordSignal(msg.Signal.String(), metrics.StatusSuccess)
func RecordSignal(signal, status string) {
	if !enabled.Load() {
		return
	}
	SignalsTotal.WithLabelValues(signal, status).Inc()
}

// RecordCommand records one command submission.
//
// Parameters:
//   - result: ResultExecuted, ResultNotReady or ResultError
//   - duration: time spent producing the response, in seconds
func RecordCommand(result string, duration float64) {
	if !enabled.Load() {
		return
	}
	CommandsTotal.WithLabelValues(result).Inc()
	CommandDuration.WithLabelValues(result).Observe(duration)
}

// SetInFlightCommands publishes the in-flight command count.
func SetInFlightCommands(n int) {
	if !enabled.Load() {
		return
	}
	InFlightCommands.Set(float64(n))
}

// RecordProtocolError records a malformed message on a channel.
func RecordProtocolError(channel, reason string) {
	if !enabled.Load() {
		return
	}
	ProtocolErrorsTotal.WithLabelValues(channel, reason).Inc()
}

// RecordRateLimited records a command delayed by the rate limiter.
func RecordRateLimited() {
	if !enabled.Load() {
		return
	}
	RateLimitedTotal.Inc()
}

// RecordProvision records a provisioning attempt.
func RecordProvision(result string) {
	if !enabled.Load() {
		return
	}
	ProvisionsTotal.WithLabelValues(result).Inc()
}

// SetDeviceState publishes the device state flags.
func SetDeviceState(poweredOn, nvEnabled, provisioned bool) {
	if !enabled.Load() {
		return
	}
	DeviceState.WithLabelValues(StatePoweredOn).Set(boolValue(poweredOn))
	DeviceState.WithLabelValues(StateNVEnabled).Set(boolValue(nvEnabled))
	DeviceState.WithLabelValues(StateProvisioned).Set(boolValue(provisioned))
}

// RecordHTTPRequest records an admin API request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// IncrementActiveConnections increments the active connection count for a channel.
func IncrementActiveConnections(channel string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(channel).Inc()
}

// DecrementActiveConnections decrements the active connection count for a channel.
func DecrementActiveConnections(channel string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(channel).Dec()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
