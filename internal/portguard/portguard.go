// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package portguard detects and evicts stale processes holding the
// annotator's fixed backend ports.
package portguard

import (
	"fmt"
	"net"
	"strings"
	"time"

	gopsutilnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/editnori/metamapctl/internal/logging"
)

// Indicators identify a process as belonging to the annotator stack:
// the JVM itself, and the tagger/WSD/disambiguation server binaries.
var Indicators = []string{"java", "metamap", "skrmedpost", "wsdserver", "disambserver", "taggerserver", "disambiguatorserver"}

// StaleProcessAge is the fallback heuristic: any process older than this,
// holding a guarded port, is considered stale even without a name match.
const StaleProcessAge = 24 * time.Hour

// BlockingProcess describes the process occupying a port.
type BlockingProcess struct {
	PID        int32
	Name       string
	Cmdline    string
	CreateTime time.Time
}

// Guard probes and frees TCP ports on the loopback interface.
type Guard struct {
	StaleAge time.Duration
}

// New returns a Guard using the default staleness window.
func New() *Guard {
	return &Guard{StaleAge: StaleProcessAge}
}

// IsAvailable reports whether port can be bound on host right now.
func (g *Guard) IsAvailable(host string, port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindBlocker returns the process currently listening on port, if any can
// be identified. A nil result with nil error means "occupied, but the
// holder could not be identified" — callers should fall back to polling.
func (g *Guard) FindBlocker(port int) (*BlockingProcess, error) {
	conns, err := gopsutilnet.Connections("inet")
	if err != nil {
		return nil, fmt.Errorf("portguard: list connections: %w", err)
	}

	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Status != "LISTEN" {
			continue
		}
		if c.Pid == 0 {
			continue
		}
		proc, err := process.NewProcess(c.Pid)
		if err != nil {
			continue
		}
		name, _ := proc.Name()
		cmdline, _ := proc.Cmdline()
		createMS, _ := proc.CreateTime()

		return &BlockingProcess{
			PID:        c.Pid,
			Name:       name,
			Cmdline:    cmdline,
			CreateTime: time.UnixMilli(createMS),
		}, nil
	}
	return nil, nil
}

// IsStale reports whether info matches the annotator indicator set, or is
// older than g.StaleAge.
func (g *Guard) IsStale(info *BlockingProcess) bool {
	if info == nil {
		return false
	}
	name := strings.ToLower(info.Name)
	cmdline := strings.ToLower(info.Cmdline)

	for _, indicator := range Indicators {
		if strings.Contains(name, indicator) || strings.Contains(cmdline, indicator) {
			return true
		}
	}

	if !info.CreateTime.IsZero() && time.Since(info.CreateTime) > g.StaleAge {
		return true
	}
	return false
}

// Kill terminates pid, politely (SIGTERM then SIGKILL after 2s) unless
// force is set, in which case it kills immediately.
func (g *Guard) Kill(pid int32, force bool) error {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("portguard: find process %d: %w", pid, err)
	}

	if force {
		return proc.Kill()
	}

	if err := proc.Terminate(); err != nil {
		return fmt.Errorf("portguard: terminate %d: %w", pid, err)
	}
	time.Sleep(2 * time.Second)

	if running, _ := proc.IsRunning(); running {
		return proc.Kill()
	}
	return nil
}

// SweepByName force-kills every running process whose name or command line
// matches one of Indicators, independent of which port (if any) it holds.
// It is the name-pattern pass of the backend stop protocol: after a
// port-based kill, a respawned or orphaned JVM may no longer be the one
// listening on the guarded port yet still needs to go. Returns the PIDs
// killed.
func (g *Guard) SweepByName() []int32 {
	procs, err := process.Processes()
	if err != nil {
		logging.Warn().Err(err).Msg("portguard: failed to list processes for name sweep")
		return nil
	}

	var killed []int32
	for _, proc := range procs {
		name, _ := proc.Name()
		cmdline, _ := proc.Cmdline()
		info := &BlockingProcess{PID: proc.Pid, Name: name, Cmdline: cmdline}
		if !g.IsStale(info) {
			continue
		}
		if err := g.Kill(proc.Pid, true); err != nil {
			logging.Warn().Err(err).Int32("pid", proc.Pid).Msg("portguard: name sweep kill failed")
			continue
		}
		killed = append(killed, proc.Pid)
	}
	return killed
}

// EnsureAvailable polls ports once per second, killing stale holders when
// autoKillStale is set, until every port is free or timeout elapses. It
// returns per-port-name success.
func (g *Guard) EnsureAvailable(ports map[string]int, timeout time.Duration, autoKillStale bool) map[string]bool {
	results := make(map[string]bool, len(ports))
	deadline := time.Now().Add(timeout)

	for service, port := range ports {
		logging.Info().Str("service", service).Int("port", port).Msg("checking backend port")

		for {
			if g.IsAvailable("localhost", port) {
				results[service] = true
				break
			}

			if time.Now().After(deadline) {
				logging.Error().Str("service", service).Int("port", port).Msg("port still occupied after timeout")
				results[service] = false
				break
			}

			blocker, err := g.FindBlocker(port)
			if err != nil {
				logging.Warn().Err(err).Int("port", port).Msg("could not identify port blocker")
			} else if blocker != nil {
				logging.Warn().Str("name", blocker.Name).Int32("pid", blocker.PID).Int("port", port).Msg("port occupied")

				if autoKillStale && g.IsStale(blocker) {
					logging.Warn().Int32("pid", blocker.PID).Msg("terminating stale process")
					if err := g.Kill(blocker.PID, false); err != nil {
						logging.Error().Err(err).Int32("pid", blocker.PID).Msg("failed to terminate process")
					} else {
						time.Sleep(2 * time.Second)
					}
				}
			} else {
				logging.Warn().Int("port", port).Msg("port occupied but blocker could not be identified")
			}

			time.Sleep(1 * time.Second)
		}
	}

	return results
}
