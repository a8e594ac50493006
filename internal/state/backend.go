// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package state

import (
	"fmt"
	"time"
)

// New constructs the configured StateBackend ("manifest" or "snapshot")
// and loads it. See DESIGN.md for the rationale behind supporting both as
// alternate backends rather than picking one.
func New(backend, dataDir string, lockTimeout time.Duration, batchSaveEvery, conceptTopN int) (Backend, error) {
	var b Backend
	switch backend {
	case "", "manifest":
		b = NewManifestBackend(dataDir, lockTimeout, batchSaveEvery, conceptTopN)
	case "snapshot":
		b = NewSnapshotBackend(dataDir, lockTimeout, batchSaveEvery)
	default:
		return nil, fmt.Errorf("state: unknown backend %q", backend)
	}
	if err := b.Load(); err != nil {
		return nil, fmt.Errorf("state: load: %w", err)
	}
	return b, nil
}
