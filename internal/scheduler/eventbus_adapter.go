// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import "github.com/editnori/metamapctl/internal/eventbus"

// busPublisher adapts an eventbus.Bus into the scheduler's own narrow
// EventPublisher interface, translating each ProgressEvent into the bus's
// tagged-union Event shape. This is the only place the scheduler package
// knows about eventbus; callers wanting a different sink implement
// EventPublisher directly instead.
type busPublisher struct {
	bus eventbus.Bus
}

// NewEventBusPublisher wires a Scheduler's progress callbacks to bus.
func NewEventBusPublisher(bus eventbus.Bus) EventPublisher {
	return &busPublisher{bus: bus}
}

func (p *busPublisher) Publish(e ProgressEvent) {
	kind := eventbus.KindFileComplete
	switch e.Kind {
	case "worker_status":
		kind = eventbus.KindWorkerStatus
	case "stats_tick":
		kind = eventbus.KindStatsTick
	}

	p.bus.Publish(eventbus.Event{
		Kind:        kind,
		FileID:      e.FileID,
		Elapsed:     e.Elapsed,
		Success:     e.Kind == "file_complete",
		WorkerID:    e.WorkerID,
		PercentDone: int(e.Rate),
		Rate:        e.Rate,
	})
}
