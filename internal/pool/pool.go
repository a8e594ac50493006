// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pool implements a bounded set of Annotator Handles shared by the
// Worker Scheduler's concurrent workers.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/metrics"
)

// ErrPoolShutdown is returned by Acquire once the pool has been closed.
var ErrPoolShutdown = errors.New("pool: shut down")

// Handle is anything the pool can create, probe for liveness, and destroy.
// The File Processor invokes the underlying annotator through a Handle's
// concrete implementation.
type Handle interface {
	// Alive reports whether the handle's backing subprocess/connection is
	// still usable.
	Alive() bool
	// Close terminates the handle's backing resources.
	Close() error
}

// Factory constructs a new Handle on demand.
type Factory func() (Handle, error)

// entry pairs a handle with the id the pool hands out to callers.
type entry struct {
	id     int
	handle Handle
}

// Pool is a bounded, cooperative-blocking pool of Handles.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	factory Factory

	cap     int
	minCap  int
	maxCap  int
	created int
	nextID  int

	idle   []entry
	closed bool

	adaptive            bool
	perInstanceBudgetMB int
	recentDurations     []time.Duration
}

// New constructs a Pool with the given capacity.
func New(capacity int, factory Factory) *Pool {
	p := &Pool{factory: factory, cap: capacity, minCap: 1, maxCap: capacity}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewAdaptive constructs a Pool that may grow/shrink cap within
// [minCap, maxCap] based on available host memory.
func NewAdaptive(minCap, maxCap, perInstanceBudgetMB int, factory Factory) *Pool {
	p := New(minCap, factory)
	p.adaptive = true
	p.minCap = minCap
	p.maxCap = maxCap
	p.perInstanceBudgetMB = perInstanceBudgetMB
	return p
}

// Acquire returns an idle handle, constructing one if under capacity, or
// blocks until one is released. Honors ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (int, Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return 0, nil, ErrPoolShutdown
		}

		if len(p.idle) > 0 {
			last := len(p.idle) - 1
			e := p.idle[last]
			p.idle = p.idle[:last]
			return e.id, e.handle, nil
		}

		if p.created < p.cap {
			h, err := p.factory()
			if err != nil {
				return 0, nil, err
			}
			p.created++
			p.nextID++
			metrics.HandlePoolCreated.Set(float64(p.created))
			return p.nextID, h, nil
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()

		p.cond.Wait()
		close(done)

		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
	}
}

// Release returns handle to the idle set, or destroys it (and frees a
// capacity slot) if it's dead or nil.
func (p *Pool) Release(id int, handle Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if handle != nil {
			_ = handle.Close()
		}
		p.created--
		return
	}

	if handle == nil || !handle.Alive() {
		if handle != nil {
			_ = handle.Close()
		}
		p.created--
		metrics.HandlePoolCreated.Set(float64(p.created))
		p.cond.Signal()
		return
	}

	p.idle = append(p.idle, entry{id: id, handle: handle})
	p.cond.Signal()
}

// RecordCompletion feeds a completed file's duration into the recent-
// completion window consumed by AverageRecentDuration. MaybeResize does
// not use this window.
func (p *Pool) RecordCompletion(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recentDurations = append(p.recentDurations, d)
	if len(p.recentDurations) > 50 {
		p.recentDurations = p.recentDurations[1:]
	}
}

// AverageRecentDuration returns the mean of the last (up to 50) completion
// durations recorded via RecordCompletion, or zero if none have been
// recorded yet. The File Processor factors this into DynamicTimeout
// alongside the file-size multiplier.
func (p *Pool) AverageRecentDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recentDurations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range p.recentDurations {
		total += d
	}
	return total / time.Duration(len(p.recentDurations))
}

// MaybeResize grows or shrinks cap within [minCap, maxCap] based on current
// memory pressure. Growth requires free memory at least perInstanceBudgetMB.
func (p *Pool) MaybeResize() {
	if !p.adaptive {
		return
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logging.Warn().Err(err).Msg("pool: could not read memory stats for adaptive sizing")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	freeMB := int(vm.Available / (1024 * 1024))

	if p.cap < p.maxCap && freeMB >= p.perInstanceBudgetMB {
		p.cap++
		logging.Info().Int("cap", p.cap).Msg("pool: grew capacity")
	} else if p.cap > p.minCap && freeMB < p.perInstanceBudgetMB/2 {
		p.cap--
		logging.Info().Int("cap", p.cap).Msg("pool: shrank capacity")
	}
}

// Cap returns the current capacity.
func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cap
}

// Shutdown closes every idle handle and marks the pool closed, unblocking
// any waiting Acquire calls with ErrPoolShutdown. It waits up to timeout
// for in-flight handles to be released and closed.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.handle.Close()
	}

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		remaining := p.created - len(idle)
		p.mu.Unlock()
		if remaining <= 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
