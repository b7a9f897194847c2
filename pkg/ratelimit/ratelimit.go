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

// Package ratelimit throttles clients with a token bucket per peer address.
// The command channel waits for a token, since the wire protocol has no
// way to reject a command; the admin API rejects with 429.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter implements a token bucket rate limiter with per-peer tracking.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	rate     rate.Limit
	burst    int
	enabled  bool

	cleanupInterval time.Duration
	maxIdle         time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Config holds rate limiter configuration.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// CommandsPerMinute sets the sustained rate per peer.
	CommandsPerMinute int

	// Burst allows short bursts above the sustained rate.
	// Defaults to CommandsPerMinute.
	Burst int

	// CleanupInterval controls how often idle peers are forgotten.
	// Defaults to 10 minutes.
	CleanupInterval time.Duration

	// MaxIdle is how long a peer can be idle before cleanup.
	// Defaults to 30 minutes.
	MaxIdle time.Duration
}

// New creates a limiter. A nil config or a non-positive rate yields a
// disabled limiter that admits everything.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{}
	}
	enabled := config.Enabled && config.CommandsPerMinute > 0

	burst := config.Burst
	if burst <= 0 {
		burst = config.CommandsPerMinute
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	maxIdle := config.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		lastSeen:        make(map[string]time.Time),
		rate:            rate.Limit(float64(config.CommandsPerMinute) / 60.0),
		burst:           burst,
		enabled:         enabled,
		cleanupInterval: cleanupInterval,
		maxIdle:         maxIdle,
		stopCleanup:     make(chan struct{}),
	}
	if enabled {
		go l.cleanupWorker()
	}
	return l
}

func (l *Limiter) limiter(peer string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[peer]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[peer] = limiter
	}
	l.lastSeen[peer] = time.Now()
	return limiter
}

// Allow reports whether peer may proceed now, consuming a token if so.
func (l *Limiter) Allow(peer string) bool {
	if !l.enabled {
		return true
	}
	return l.limiter(peer).Allow()
}

// Wait blocks until peer may proceed or ctx is done. The returned bool is
// true when the call actually had to wait.
func (l *Limiter) Wait(ctx context.Context, peer string) (bool, error) {
	if !l.enabled {
		return false, nil
	}
	limiter := l.limiter(peer)
	if limiter.Allow() {
		return false, nil
	}
	return true, limiter.Wait(ctx)
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for peer, lastSeen := range l.lastSeen {
		if now.Sub(lastSeen) > l.maxIdle {
			delete(l.limiters, peer)
			delete(l.lastSeen, peer)
		}
	}
}

// Stop stops the cleanup worker. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// Stats returns current rate limiter statistics.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"enabled":      l.enabled,
		"active_peers": len(l.limiters),
		"rate_per_min": float64(l.rate) * 60,
		"burst":        l.burst,
	}
}

// IsEnabled returns whether rate limiting is enabled.
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}

// Middleware rejects admin API requests over the limit with 429.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(PeerFromString(r.RemoteAddr)) {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Peer returns the host part of a connection's remote address.
func Peer(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return PeerFromString(addr.String())
}

// PeerFromString returns the host part of an "ip:port" address.
func PeerFromString(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
