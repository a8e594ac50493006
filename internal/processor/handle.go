// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package processor

import (
	"context"
	"net"
	"time"
)

// SubprocessHandle is a pool.Handle that runs each file as its own
// subprocess invocation, the same way the no-pool path does, but
// participates in the Instance Pool's capacity accounting and liveness
// checks. It carries no persistent connection of its own: Alive reports
// whether the annotator's tagger port is still reachable, which is the
// pool's signal to retire and replace it.
type SubprocessHandle struct {
	BinaryPath string
	ProbeAddr  string
}

// NewSubprocessHandle constructs a Handle probed against probeAddr
// (host:port of the tagger service) whenever Alive is called; Run itself
// does not probe.
func NewSubprocessHandle(binaryPath, probeAddr string) *SubprocessHandle {
	return &SubprocessHandle{BinaryPath: binaryPath, ProbeAddr: probeAddr}
}

// Alive reports whether the backend tagger port still accepts connections.
func (h *SubprocessHandle) Alive() bool {
	if h.ProbeAddr == "" {
		return true
	}
	conn, err := net.DialTimeout("tcp", h.ProbeAddr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Close is a no-op: the handle owns no long-lived resources of its own.
func (h *SubprocessHandle) Close() error { return nil }

// Run executes one annotation via a one-shot subprocess, satisfying both
// pool.Handle (Alive/Close) and processor.Handle (Run) so the same value
// can be acquired from the Instance Pool and passed straight through to
// Process's Options.Handle.
func (h *SubprocessHandle) Run(ctx context.Context, inputPath, outputPath, options string) error {
	return runSubprocess(ctx, h.BinaryPath, inputPath, outputPath, options)
}
