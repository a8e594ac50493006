// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !nats

package eventbus

import (
	"fmt"

	"github.com/editnori/metamapctl/internal/config"
)

// NewFromConfig builds the configured Bus backend. Built without the nats
// tag, only the in-process backend is available; selecting "nats" is a
// configuration error rather than a silent fallback.
func NewFromConfig(cfg config.EventBusConfig) (Bus, error) {
	switch cfg.Backend {
	case "", "inprocess":
		return NewInProcess(), nil
	case "nats":
		return nil, fmt.Errorf("eventbus: nats backend requested but this binary was built without the 'nats' tag")
	default:
		return nil, fmt.Errorf("eventbus: unknown backend %q", cfg.Backend)
	}
}
