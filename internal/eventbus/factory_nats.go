// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build nats

package eventbus

import (
	"fmt"

	"github.com/editnori/metamapctl/internal/config"
)

// NewFromConfig builds the configured Bus backend, including the
// JetStream-backed NATSBus when built with the nats tag.
func NewFromConfig(cfg config.EventBusConfig) (Bus, error) {
	switch cfg.Backend {
	case "", "inprocess":
		return NewInProcess(), nil
	case "nats":
		natsCfg := DefaultNATSConfig(cfg.NATSURL)
		if cfg.Subject != "" {
			natsCfg.Subject = cfg.Subject
		}
		return NewNATS(natsCfg)
	default:
		return nil, fmt.Errorf("eventbus: unknown backend %q", cfg.Backend)
	}
}
