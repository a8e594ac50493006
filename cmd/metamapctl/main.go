// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command metamapctl runs the full batch annotation orchestrator: it
// ensures the tagger and WSD backend services are up, supervises them and
// the health monitor under a suture tree, serves the Monitoring API over
// HTTP/WebSocket, and drives one scheduler run over the configured input
// directory.
//
// Configuration is loaded once at startup (internal/config) and every
// collaborator below is built from it; there is no hot-reload path.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/editnori/metamapctl/internal/api"
	"github.com/editnori/metamapctl/internal/archiver"
	"github.com/editnori/metamapctl/internal/audit"
	"github.com/editnori/metamapctl/internal/config"
	"github.com/editnori/metamapctl/internal/eventbus"
	"github.com/editnori/metamapctl/internal/filetracker"
	"github.com/editnori/metamapctl/internal/health"
	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/pool"
	"github.com/editnori/metamapctl/internal/portguard"
	"github.com/editnori/metamapctl/internal/processor"
	"github.com/editnori/metamapctl/internal/retry"
	"github.com/editnori/metamapctl/internal/scheduler"
	"github.com/editnori/metamapctl/internal/state"
	"github.com/editnori/metamapctl/internal/supervisor"
	"github.com/editnori/metamapctl/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "metamapctl: config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Timestamp: true, Output: os.Stderr})
	slogLogger := logging.NewSlogLoggerWithLevel(cfg.LogLevel)

	if err := run(cfg, slogLogger); err != nil {
		logging.Fatal().Err(err).Msg("metamapctl: fatal error")
	}
}

func run(cfg *config.Config, slogLogger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	// Make sure the tagger/WSD ports are free of stale processes before
	// the supervisor tries to claim them.
	guard := portguard.New()
	guard.EnsureAvailable(map[string]int{
		"tagger": cfg.PortGuard.TaggerPort,
		"wsd":    cfg.PortGuard.WSDPort,
	}, cfg.PortGuard.EnsureTimeout, cfg.PortGuard.AutoKillStale)

	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.TreeConfig{})
	if err != nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	manager := supervisor.NewManager(
		cfg.Supervisor.ServerScriptsDir,
		cfg.Supervisor.PublicMMDir,
		cfg.Supervisor.MetamapBinary,
		cfg.Supervisor.JavaHome,
		cfg.Supervisor.StartPortTimeout,
		cfg.Supervisor.RestartCooldown,
	)
	tree.AddBackendService(supervisor.NewBackendService("tagger", manager, cfg.Health.CheckInterval))
	tree.AddBackendService(supervisor.NewBackendService("wsd", manager, cfg.Health.CheckInterval))

	var healthMon *health.Monitor
	if cfg.Health.Enabled {
		healthMon = health.New(map[string]health.Target{
			"tagger": {Host: "127.0.0.1", Port: cfg.PortGuard.TaggerPort},
			"wsd":    {Host: "127.0.0.1", Port: cfg.PortGuard.WSDPort},
		}, cfg.Health.CheckInterval, cfg.Health.PortProbeTimeout, cfg.Health.IntegrationProbeTimeout, cfg.Health.FailureThreshold, manager)
		tree.AddControlService(supervisor.NewFuncService("health-monitor", healthMon.Run))
	}

	backend, err := state.New(cfg.State.Backend, cfg.State.DataDir, cfg.State.LockTimeout, cfg.State.BatchSaveEvery, cfg.State.ConceptTopN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}

	tracker := filetracker.New(
		cfg.FileTracker.InputDir, cfg.FileTracker.OutputDir, cfg.State.DataDir,
		cfg.FileTracker.Extensions, cfg.FileTracker.BloomThreshold, 0, backend,
	)

	retryCtl := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.ExponentialBackoff)

	var instancePool *pool.Pool
	if cfg.Pool.Enabled {
		factory := func() (pool.Handle, error) {
			return processor.NewSubprocessHandle(cfg.Supervisor.MetamapBinary, fmt.Sprintf("127.0.0.1:%d", cfg.PortGuard.TaggerPort)), nil
		}
		if cfg.Pool.Adaptive {
			instancePool = pool.NewAdaptive(cfg.Pool.MinCap, cfg.Pool.MaxCap, cfg.Pool.PerInstanceBudgetMB, factory)
		} else {
			instancePool = pool.New(cfg.Pool.Cap, factory)
		}
		defer instancePool.Shutdown(10 * time.Second)
	}

	bus, err := eventbus.NewFromConfig(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer bus.Close()

	hub := websocket.NewHub()
	go hub.RunWithContext(ctx)
	go websocket.BridgeEventBus(ctx, bus, hub)

	sched := scheduler.New(scheduler.Config{
		MaxWorkers:        cfg.Scheduler.MaxWorkers,
		TimeoutPerFile:    cfg.Scheduler.TimeoutPerFile,
		ChunkSize:         cfg.Scheduler.ChunkSize,
		ChunkedProcessing: cfg.Scheduler.ChunkedProcessing,
		DynamicWorkers:    cfg.Scheduler.DynamicWorkers,
		MinDiskFreeMB:     cfg.Scheduler.MinDiskFreeMB,
		WarnDiskFreeMB:    cfg.Scheduler.WarnDiskFreeMB,
		BinaryPath:        cfg.Supervisor.MetamapBinary,
		OutputDir:         cfg.FileTracker.OutputDir,
	}, manager, instancePool, backend, tracker, retryCtl, scheduler.NewEventBusPublisher(bus))

	jobManager := api.NewJobManager(sched, bus)

	auditStore := audit.NewMemoryStore(10000)
	auditCfg := audit.DefaultConfig()
	auditLogger := audit.NewLogger(auditStore, auditCfg)
	auditLogger.StartCleanupRoutine(ctx)

	handler := api.NewHandler(jobManager, backend, healthMon, hub, auditLogger)

	var archive *archiver.Archiver
	if cfg.Archiver.Enabled {
		archive = archiver.New(cfg.Archiver)
		if err := archive.RotateIfNeeded(); err != nil {
			logging.Warn().Err(err).Msg("archiver: rotation of previous run failed")
		}
		if err := archive.MarkRunStart(); err != nil {
			logging.Warn().Err(err).Msg("archiver: failed to mark run start")
		}
	}

	if cfg.API.Enabled {
		router := api.NewRouter(handler, cfg.API)
		httpServer := &http.Server{
			Addr:    cfg.API.BindAddr,
			Handler: router,
		}
		tree.AddAPIService(api.NewHTTPServerService(httpServer, 10*time.Second))
	}

	errCh := tree.ServeBackground(ctx)

	job := jobManager.Start(ctx)
	logging.Info().Str("job_id", job.ID).Msg("batch run started")

	go waitForJobCompletion(ctx, jobManager, job.ID, cancel)

	<-ctx.Done()

	if archive != nil {
		if err := archive.MarkRunEnd(); err != nil {
			logging.Warn().Err(err).Msg("archiver: failed to mark run end")
		}
	}

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logging.Warn().Err(err).Msg("supervisor tree stopped with error")
		}
	case <-time.After(15 * time.Second):
		logging.Warn().Msg("timed out waiting for supervisor tree to stop")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service failed to stop within shutdown timeout")
		}
	}

	logging.Info().Msg("metamapctl: graceful shutdown complete")
	return nil
}

// waitForJobCompletion polls the job's terminal status and cancels the
// process once the batch run finishes on its own, so metamapctl exits
// after one completed run rather than idling for a signal that a
// non-interactive batch invocation will never receive.
func waitForJobCompletion(ctx context.Context, jobManager *api.JobManager, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, ok := jobManager.Get(jobID)
			if !ok {
				continue
			}
			switch job.Status {
			case api.JobStatusCompleted, api.JobStatusFailed, api.JobStatusCancelled:
				logging.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("batch run finished")
				cancel()
				return
			}
		}
	}
}
