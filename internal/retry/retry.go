// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry implements a queue of failed files keyed by id, with
// exponential-backoff-gated reprocessing. The
// controller never processes a file itself — the Scheduler injects a
// ProcessFunc that dispatches through the Instance Pool so retries share
// the same resource discipline as first attempts.
package retry

import (
	"sync"
	"time"

	"github.com/editnori/metamapctl/internal/metrics"
)

// Entry tracks one file's retry history.
type Entry struct {
	Attempts    int
	LastError   string
	LastAttempt time.Time
}

// ProcessFunc re-runs a single file and reports success or an error.
type ProcessFunc func(id string) error

// Outcome summarizes one retry_failed_files invocation.
type Outcome struct {
	Attempted  int
	Recovered  []string
	StillFailed []string
	Skipped    []string
}

// Controller implements the retry queue and its backoff policy.
type Controller struct {
	mu sync.Mutex

	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ExponentialBackoff bool

	entries map[string]*Entry

	// sleep is overridable in tests so backoff windows don't need real time.
	sleep func(time.Duration)
}

// New constructs a Controller with the given policy.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, exponentialBackoff bool) *Controller {
	return &Controller{
		MaxAttempts:        maxAttempts,
		BaseDelay:          baseDelay,
		MaxDelay:           maxDelay,
		ExponentialBackoff: exponentialBackoff,
		entries:            make(map[string]*Entry),
		sleep:              time.Sleep,
	}
}

// backoffDelay computes min(base * 2^attempts, max) when exponential
// backoff is enabled, else a flat base delay.
func (c *Controller) backoffDelay(attempts int) time.Duration {
	if !c.ExponentialBackoff {
		return c.BaseDelay
	}
	delay := c.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether id is eligible: under the attempt ceiling and
// past its backoff window.
func (c *Controller) ShouldRetry(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		return true
	}
	if entry.Attempts >= c.MaxAttempts {
		return false
	}
	delay := c.backoffDelay(entry.Attempts)
	return time.Since(entry.LastAttempt) >= delay
}

// RecordAttempt increments id's attempt counter and stamps the time.
func (c *Controller) RecordAttempt(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		entry = &Entry{}
		c.entries[id] = entry
	}
	entry.Attempts++
	entry.LastAttempt = time.Now()
	if err != nil {
		entry.LastError = err.Error()
	}
}

// clear removes id's retry history, e.g. after a successful reprocess.
func (c *Controller) clear(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// RetryFailed filters ids by ShouldRetry, sleeps out the computed backoff
// before each attempt, and invokes process. Recovered ids have their retry
// history cleared; failures record another attempt.
func (c *Controller) RetryFailed(ids []string, process ProcessFunc) Outcome {
	var out Outcome

	for _, id := range ids {
		if !c.ShouldRetry(id) {
			out.Skipped = append(out.Skipped, id)
			continue
		}

		c.mu.Lock()
		entry := c.entries[id]
		var delay time.Duration
		if entry != nil {
			delay = c.backoffDelay(entry.Attempts)
		} else {
			delay = c.BaseDelay
		}
		c.mu.Unlock()

		c.sleep(delay)

		out.Attempted++
		err := process(id)
		if err == nil {
			c.clear(id)
			out.Recovered = append(out.Recovered, id)
			metrics.RetryAttemptsTotal.WithLabelValues("recovered").Inc()
		} else {
			c.RecordAttempt(id, err)
			out.StillFailed = append(out.StillFailed, id)
			metrics.RetryAttemptsTotal.WithLabelValues("failed").Inc()
		}
	}

	return out
}

// Entries returns a snapshot of the current retry queue, for observability.
func (c *Controller) Entries() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = *v
	}
	return out
}
