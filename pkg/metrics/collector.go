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

package metrics

import (
	"context"
	"runtime"
	"time"
)

// DeviceSample is the device state the collector republishes on every tick.
type DeviceSample struct {
	PoweredOn   bool
	NVEnabled   bool
	Provisioned bool
	InFlight    int
}

// CollectorOption configures a ResourceCollector.
type CollectorOption func(*ResourceCollector)

// WithDeviceSampler makes the collector refresh vtpm_device_state and
// vtpm_inflight_commands from sample. The controller publishes these on
// every transition; the periodic refresh restores them after metrics were
// disabled and re-enabled at runtime.
func WithDeviceSampler(sample func() DeviceSample) CollectorOption {
	return func(rc *ResourceCollector) {
		rc.sampleDevice = sample
	}
}

// ResourceCollector keeps the simulator's periodic gauges current:
// vtpm_server_uptime_seconds, the Go runtime gauges (goroutines, which
// include one per open channel connection, and heap allocation) and,
// with a device sampler, the device state and in-flight command gauges.
type ResourceCollector struct {
	ctx          context.Context
	cancel       context.CancelFunc
	interval     time.Duration
	started      time.Time
	sampleDevice func() DeviceSample
}

// NewResourceCollector creates a collector that runs until ctx is done or
// Stop is called. Uptime is measured from this call.
func NewResourceCollector(ctx context.Context, interval time.Duration, opts ...CollectorOption) *ResourceCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	rc := &ResourceCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Start samples immediately and then on every tick. It blocks.
func (rc *ResourceCollector) Start() {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect()
	for {
		select {
		case <-rc.ctx.Done():
			return
		case <-ticker.C:
			rc.collect()
		}
	}
}

// Stop halts the collector.
func (rc *ResourceCollector) Stop() {
	rc.cancel()
}

func (rc *ResourceCollector) collect() {
	if !IsEnabled() {
		return
	}

	ServerUptime.Set(time.Since(rc.started).Seconds())

	if rc.sampleDevice != nil {
		s := rc.sampleDevice()
		SetDeviceState(s.PoweredOn, s.NVEnabled, s.Provisioned)
		SetInFlightCommands(s.InFlight)
	}

	Goroutines.Set(float64(runtime.NumGoroutine()))
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartResourceCollector creates a collector and runs it in the background
// for the lifetime of the server.
func StartResourceCollector(ctx context.Context, interval time.Duration, opts ...CollectorOption) *ResourceCollector {
	collector := NewResourceCollector(ctx, interval, opts...)
	go collector.Start()
	return collector
}
