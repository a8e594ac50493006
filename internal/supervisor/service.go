// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"time"

	"github.com/editnori/metamapctl/internal/logging"
)

// BackendService is a suture.Service wrapper around one of Manager's two
// managed processes. Serve starts the service and then watches it with a
// lightweight poll loop, returning an error (which suture treats as a
// crash warranting supervised restart) if the port stops answering.
type BackendService struct {
	Name         string
	Manager      *Manager
	PollInterval time.Duration
}

// NewBackendService returns a suture.Service for the named service
// ("tagger" or "wsd"), polling every pollInterval once running.
func NewBackendService(name string, manager *Manager, pollInterval time.Duration) *BackendService {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &BackendService{Name: name, Manager: manager, PollInterval: pollInterval}
}

// Serve implements suture.Service. It starts the backend process, then
// blocks, polling liveness until ctx is canceled or the process is found
// to have died, at which point it returns an error so the parent
// supervisor restarts it per the configured backoff policy.
func (s *BackendService) Serve(ctx context.Context) error {
	if err := s.Manager.Start(s.Name); err != nil {
		return err
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Manager.Stop(s.Name)
			return ctx.Err()
		case <-ticker.C:
			if !s.Manager.IsRunning(s.Name) {
				logging.Warn().Str("service", s.Name).Msg("backend service stopped answering, signaling for restart")
				return errServiceDown(s.Name)
			}
		}
	}
}

type errServiceDown string

func (e errServiceDown) Error() string {
	return "supervisor: " + string(e) + " is no longer reachable"
}

// FuncService adapts any blocking func(ctx) error — the Health Monitor's
// Run, for instance — into a suture.Service, so the control layer can
// supervise it the same way it supervises the backend processes.
type FuncService struct {
	Name string
	Fn   func(ctx context.Context) error
}

// NewFuncService wraps fn as a named suture.Service.
func NewFuncService(name string, fn func(ctx context.Context) error) *FuncService {
	return &FuncService{Name: name, Fn: fn}
}

// Serve implements suture.Service by delegating to Fn.
func (s *FuncService) Serve(ctx context.Context) error {
	return s.Fn(ctx)
}

// String satisfies suture's optional Stringer for friendlier event logs.
func (s *FuncService) String() string {
	return s.Name
}
