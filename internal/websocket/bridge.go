// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"context"

	"github.com/editnori/metamapctl/internal/eventbus"
)

// BridgeEventBus subscribes hub to bus and relays every Progress Event Bus
// event onward as a WebSocket broadcast, until ctx is canceled. It is the
// one place that translates eventbus's tagged-union Event into the hub's
// own typed Broadcast* calls.
func BridgeEventBus(ctx context.Context, bus eventbus.Bus, hub *Hub) {
	ch := bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case eventbus.KindFileComplete:
				hub.BroadcastFileComplete(e.FileID, e.Success, e.Elapsed)
			case eventbus.KindWorkerStatus:
				hub.BroadcastWorkerStatus(e.WorkerID, e.Status, e.FileID)
			case eventbus.KindStatsTick:
				hub.BroadcastStatsTick(e.PercentDone, e.Rate)
			}
		}
	}
}
