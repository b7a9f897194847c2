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

package device

import (
	"context"
	"sync"

	"github.com/jeremyhahn/go-vtpm/pkg/metrics"
)

// Admission is a command that passed the guard. The device cannot power off
// or lose NV until Done is called.
type Admission struct {
	c        *Controller
	ctx      context.Context
	locality uint8
	once     sync.Once
}

// Context is cancelled by a Cancel signal issued after admission.
func (a *Admission) Context() context.Context { return a.ctx }

// Locality is the locality in effect when the command was admitted.
func (a *Admission) Locality() uint8 { return a.locality }

// Done releases the admission. Extra calls are no-ops.
func (a *Admission) Done() {
	a.once.Do(func() {
		c := a.c
		c.mu.Lock()
		c.inflight--
		metrics.SetInFlightCommands(c.inflight)
		if c.inflight == 0 {
			c.cond.Broadcast()
		}
		c.mu.Unlock()
	})
}

// Admit runs the guard. It waits while an off transition is draining and
// then admits the command only if the device is powered on with NV enabled.
// The returned bool is false when the command must be rejected.
func (c *Controller) Admit() (*Admission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.draining > 0 {
		c.cond.Wait()
	}
	if c.closed || !c.state.CommandPermitted() {
		return nil, false
	}
	c.inflight++
	metrics.SetInFlightCommands(c.inflight)
	return &Admission{
		c:        c,
		ctx:      c.execCtx,
		locality: c.state.Locality,
	}, true
}

// Execute admits and runs one command. It returns ErrNotReady, without
// invoking the engine, when the guard rejects the command. The engine sees a
// context that is done when either ctx or a Cancel signal ends.
func (c *Controller) Execute(ctx context.Context, command []byte) ([]byte, error) {
	adm, ok := c.Admit()
	if !ok {
		return nil, ErrNotReady
	}
	defer adm.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(adm.ctx, cancel)
	defer stop()

	return c.engine.Execute(runCtx, adm.locality, command)
}
