// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus implements a publish/subscribe channel for per-file
// and per-batch progress events, consumed by the monitoring API's
// WebSocket stream and CLI logger alike. Publish waits at most a short send
// timeout per subscriber — a slow subscriber drops events rather than
// stalling a worker.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/metrics"
)

// Kind identifies the tagged variant of an Event.
type Kind string

const (
	KindFileComplete  Kind = "file_complete"
	KindWorkerStatus  Kind = "worker_status"
	KindStatsTick     Kind = "stats_tick"
)

// Event is the Progress Event Bus's tagged-union payload. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind Kind

	// file_complete
	FileID  string
	Elapsed time.Duration
	Success bool

	// worker_status
	WorkerID int
	Status   string

	// stats_tick
	PercentDone int
	Rate        float64
}

// sendTimeout bounds how long Publish will block a slow subscriber before
// dropping the event, guaranteeing Publish never stalls a worker.
const sendTimeout = 50 * time.Millisecond

// Bus is the narrow publish/subscribe surface the rest of the system
// depends on, independent of backend (in-process channel vs NATS).
type Bus interface {
	Publish(Event)
	Subscribe(ctx context.Context) <-chan Event
	Close()
}

// InProcessBus is the default Bus backend: an in-memory fan-out over
// per-subscriber buffered channels. No external broker required.
type InProcessBus struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	closed      bool
	dropped     int64
}

// NewInProcess constructs an InProcessBus.
func NewInProcess() *InProcessBus {
	return &InProcessBus{subscribers: make(map[chan Event]struct{})}
}

var _ Bus = (*InProcessBus)(nil)

// Publish fans e out to every live subscriber without blocking longer
// than sendTimeout per subscriber; slow subscribers lose the event.
func (b *InProcessBus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	for _, ch := range subs {
		select {
		case ch <- e:
		case <-timer.C:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			metrics.DroppedEventsTotal.Inc()
			logging.Warn().Str("kind", string(e.Kind)).Msg("eventbus: dropped event, subscriber too slow")
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sendTimeout)
	}
}

// Subscribe returns a channel of events, closed when ctx is done or the
// bus itself is closed.
func (b *InProcessBus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Close shuts down the bus, closing every still-registered subscriber
// channel.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// DroppedEvents reports how many events this bus has discarded due to a
// slow subscriber.
func (b *InProcessBus) DroppedEvents() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
