// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health runs a fixed-interval cooperative probe loop: TCP-connect
// checks against the tagger and WSD ports, consecutive-failure
// classification backed by a gobreaker circuit breaker per service, an
// optional deeper integration probe, and status-change callbacks with
// per-callback failure isolation.
package health

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/metrics"
)

// Status is a service's current classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusStarting Status = "starting"
	StatusUnknown  Status = "unknown"
)

// Restarter is implemented by the Supervisor: invoked fire-and-forget when
// a service transitions to down.
type Restarter interface {
	Restart(service string) error
}

// StatusChangeFunc is invoked on every status transition for service.
type StatusChangeFunc func(service string, from, to Status)

// serviceState is the monitor's per-service record: where to probe, the
// current failure streak and status, and the service's circuit breaker.
type serviceState struct {
	name                string
	port                int
	host                string
	consecutiveFailures int
	status              Status
	cb                  *gobreaker.CircuitBreaker[any]
}

// Monitor runs the periodic probe loop for a fixed set of services.
type Monitor struct {
	mu       sync.Mutex
	services map[string]*serviceState

	CheckInterval           time.Duration
	PortProbeTimeout        time.Duration
	IntegrationProbeTimeout time.Duration
	FailureThreshold        uint32

	restarter Restarter
	callbacks []StatusChangeFunc

	// integrationProbe is overridable for tests; nil disables it.
	integrationProbe func(ctx context.Context) error
}

// Target identifies one service's probe endpoint.
type Target struct {
	Host string
	Port int
}

// New constructs a Monitor for the given service->Target map.
func New(services map[string]Target, checkInterval, portProbeTimeout, integrationProbeTimeout time.Duration, failureThreshold uint32, restarter Restarter) *Monitor {
	m := &Monitor{
		services:                make(map[string]*serviceState, len(services)),
		CheckInterval:           checkInterval,
		PortProbeTimeout:        portProbeTimeout,
		IntegrationProbeTimeout: integrationProbeTimeout,
		FailureThreshold:        failureThreshold,
		restarter:               restarter,
	}

	for name, target := range services {
		m.services[name] = &serviceState{
			name:   name,
			host:   target.Host,
			port:   target.Port,
			status: StatusUnknown,
			cb:     m.newBreaker(name, failureThreshold),
		}
	}
	return m
}

// newBreaker wires a per-service gobreaker using consecutive-failure
// semantics (ReadyToTrip at ConsecutiveFailures >= threshold) rather than
// the request-ratio trip rule.
func (m *Monitor) newBreaker(name string, threshold uint32) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(stateToFloat(to))
			logging.Info().Str("service", breakerName).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// OnStatusChange registers a callback invoked on every transition.
func (m *Monitor) OnStatusChange(fn StatusChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetIntegrationProbe installs the deeper end-to-end probe run when both
// port probes are healthy.
func (m *Monitor) SetIntegrationProbe(fn func(ctx context.Context) error) {
	m.integrationProbe = fn
}

// Run executes the check loop on CheckInterval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.CheckInterval)
	defer ticker.Stop()

	m.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	m.mu.Lock()
	states := make([]*serviceState, 0, len(m.services))
	for _, s := range m.services {
		states = append(states, s)
	}
	m.mu.Unlock()

	allHealthy := true
	for _, s := range states {
		if !m.checkOne(s) {
			allHealthy = false
		}
	}

	if allHealthy && m.integrationProbe != nil {
		m.runIntegrationProbe(ctx)
	}
}

// checkOne runs the TCP probe for one service and returns whether it
// reported healthy.
func (m *Monitor) checkOne(s *serviceState) bool {
	err := probePort(s.host, s.port, m.PortProbeTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	metrics.ServiceConsecutiveFailures.WithLabelValues(s.name).Set(float64(s.consecutiveFailures))

	newStatus := classify(s.consecutiveFailures, m.FailureThreshold)
	m.transition(s, newStatus)

	if err == nil {
		_, _ = s.cb.Execute(func() (any, error) { return nil, nil })
	} else {
		_, _ = s.cb.Execute(func() (any, error) { return nil, err })
	}

	return newStatus == StatusHealthy
}

func classify(consecutiveFailures int, threshold uint32) Status {
	switch {
	case consecutiveFailures == 0:
		return StatusHealthy
	case uint32(consecutiveFailures) >= threshold:
		return StatusDown
	default:
		return StatusDegraded
	}
}

// transition updates s.status, notifies callbacks, and triggers a
// fire-and-forget restart on a transition into down. Must be called with
// m.mu held.
func (m *Monitor) transition(s *serviceState, newStatus Status) {
	if s.status == newStatus {
		return
	}
	old := s.status
	s.status = newStatus

	for _, cb := range m.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error().Interface("panic", r).Str("service", s.name).Msg("health status-change callback panicked")
				}
			}()
			cb(s.name, old, newStatus)
		}()
	}

	if newStatus == StatusDown && m.restarter != nil {
		name := s.name
		go func() {
			if err := m.restarter.Restart(name); err != nil {
				logging.Error().Err(err).Str("service", name).Msg("fire-and-forget restart failed")
			}
		}()
	}
}

// runIntegrationProbe runs the deeper end-to-end probe and reclassifies
// every service to degraded/down on markers found in its error text.
func (m *Monitor) runIntegrationProbe(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, m.IntegrationProbeTimeout)
	defer cancel()

	err := m.integrationProbe(ctx)
	if err == nil {
		return
	}

	msg := strings.ToLower(err.Error())
	var status Status
	if strings.Contains(msg, "spio_e_net_connrefused") {
		status = StatusDown
	} else if strings.Contains(msg, "connection") && strings.Contains(msg, "error") {
		status = StatusDegraded
	} else {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.services {
		m.transition(s, status)
	}
}

// Status returns a snapshot of every service's current classification.
func (m *Monitor) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.services))
	for name, s := range m.services {
		out[name] = s.status
	}
	return out
}

func probePort(host string, port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
