// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler is the orchestration heart of a batch run: it wires
// the Port Guard, Server Supervisor, Instance Pool, Durable State Store,
// File Tracker, Retry Controller, and File Processor into one run() call.
package scheduler

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/editnori/metamapctl/internal/filetracker"
	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/metrics"
	"github.com/editnori/metamapctl/internal/pool"
	"github.com/editnori/metamapctl/internal/processor"
	"github.com/editnori/metamapctl/internal/retry"
	"github.com/editnori/metamapctl/internal/state"
)

// Config configures one Scheduler.
type Config struct {
	MaxWorkers        int
	TimeoutPerFile    time.Duration
	ChunkSize         int
	ChunkedProcessing bool
	DynamicWorkers    bool
	MinDiskFreeMB     int
	WarnDiskFreeMB    int

	BinaryPath        string
	ProcessingOptions string
	OutputDir         string
}

// ServiceEnsurer starts the backend services before a run begins.
type ServiceEnsurer interface {
	StartAll() error
}

// ProgressEvent is one tagged-union progress notification.
type ProgressEvent struct {
	Kind     string // "file_complete", "worker_status", "stats_tick"
	FileID   string
	Elapsed  time.Duration
	WorkerID int
	Rate     float64
}

// EventPublisher is the narrow interface the scheduler needs from the
// progress event bus; fire-and-forget. The eventbus-backed implementation
// waits at most the bus's short per-subscriber send timeout.
type EventPublisher interface {
	Publish(ProgressEvent)
}

// Result is the scheduler's final tally, returned from Run.
type Result struct {
	Success       bool
	Total         int
	Processed     int
	Failed        int
	FailedIDs     []string
	Elapsed       time.Duration
	Throughput    float64
	ConceptsFound int
}

// Scheduler orchestrates one batch run.
type Scheduler struct {
	cfg      Config
	services ServiceEnsurer
	pool     *pool.Pool
	backend  state.Backend
	tracker  *filetracker.Tracker
	retryCtl *retry.Controller
	events   EventPublisher

	limiter      *rate.Limiter
	stopFlag     atomic.Bool
	lastPercent  atomic.Int64
	workers      atomic.Int64
}

// New constructs a Scheduler from its fully-wired collaborators.
func New(cfg Config, services ServiceEnsurer, p *pool.Pool, backend state.Backend, tracker *filetracker.Tracker, retryCtl *retry.Controller, events EventPublisher) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		services: services,
		pool:     p,
		backend:  backend,
		tracker:  tracker,
		retryCtl: retryCtl,
		events:   events,
		limiter:  rate.NewLimiter(rate.Limit(2), 1),
	}
}

// Stop requests cancellation, observed at the next chunk boundary (or the
// next whole-batch completion in non-chunked mode).
func (s *Scheduler) Stop() {
	s.stopFlag.Store(true)
}

// Stopped reports whether Stop has been called on this scheduler.
func (s *Scheduler) Stopped() bool {
	return s.stopFlag.Load()
}

// RetryNow re-invokes the Retry Controller against the supplied failed-ID
// set outside the normal end-of-run pass, for the Monitoring API's manual
// "retry" control. Returns the IDs that succeeded on retry.
func (s *Scheduler) RetryNow(ctx context.Context, failedIDs []string) []string {
	if s.retryCtl == nil || len(failedIDs) == 0 {
		return nil
	}
	var conceptsFound int64
	outcome := s.retryCtl.RetryFailed(failedIDs, func(id string) error {
		return s.processOne(ctx, id, &conceptsFound)
	})
	return outcome.Recovered
}

// checkDiskSpace enforces the run's disk budget: warn under WarnDiskFreeMB,
// fail validation under MinDiskFreeMB.
func (s *Scheduler) checkDiskSpace() error {
	freeMB, err := freeDiskMB(s.cfg.OutputDir)
	if err != nil {
		logging.Warn().Err(err).Msg("scheduler: could not determine free disk space")
		return nil
	}
	if freeMB < s.cfg.MinDiskFreeMB {
		return &SetupError{Kind: "setup_failure", Msg: "insufficient disk space"}
	}
	if freeMB < s.cfg.WarnDiskFreeMB {
		logging.Warn().Int("free_mb", freeMB).Msg("scheduler: disk space is low")
	}
	return nil
}

// SetupError is the "setup_failure" error kind: a run aborted before any
// file was attempted.
type SetupError struct {
	Kind string
	Msg  string
}

func (e *SetupError) Error() string { return e.Msg }

// Run executes the full startup sequence then the execution loop,
// returning the final tally regardless of how the run ended.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	if err := s.checkDiskSpace(); err != nil {
		return Result{}, err
	}

	if err := s.services.StartAll(); err != nil {
		return Result{}, &SetupError{Kind: "setup_failure", Msg: "backend services failed to start: " + err.Error()}
	}

	defer func() {
		s.pool.Shutdown(10 * time.Second)
		_ = s.backend.Checkpoint()
	}()

	discovered, err := s.tracker.Discover()
	if err != nil {
		return Result{}, err
	}
	sort.Strings(discovered)

	pending := s.filterPending(discovered)

	s.workers.Store(int64(s.cfg.MaxWorkers))

	var failedIDs []string
	var processedCount, conceptsFound int64
	var mu sync.Mutex

	runBatch := func(batch []string) {
		s.runWholeBatch(ctx, batch, &processedCount, &conceptsFound, &mu, &failedIDs)
	}

	if s.cfg.ChunkedProcessing && s.cfg.ChunkSize > 0 {
		for i := 0; i < len(pending); i += s.cfg.ChunkSize {
			if s.stopFlag.Load() {
				break
			}
			end := i + s.cfg.ChunkSize
			if end > len(pending) {
				end = len(pending)
			}
			runBatch(pending[i:end])
			_ = s.backend.Checkpoint()
			if s.cfg.DynamicWorkers {
				s.adjustWorkers()
			}
		}
	} else {
		runBatch(pending)
	}

	mu.Lock()
	outcome := retry.Outcome{}
	stillFailed := append([]string(nil), failedIDs...)
	mu.Unlock()

	if s.retryCtl != nil && len(stillFailed) > 0 {
		outcome = s.retryCtl.RetryFailed(stillFailed, func(id string) error {
			return s.processOne(ctx, id, &conceptsFound)
		})

		mu.Lock()
		remaining := make([]string, 0, len(stillFailed))
		recovered := make(map[string]bool, len(outcome.Recovered))
		for _, r := range outcome.Recovered {
			recovered[r] = true
		}
		for _, id := range failedIDs {
			if !recovered[id] {
				remaining = append(remaining, id)
			}
		}
		failedIDs = remaining
		processedCount += int64(len(outcome.Recovered))
		mu.Unlock()
	}

	elapsed := time.Since(start)
	total := len(discovered)
	throughput := 0.0
	if elapsed.Seconds() > 0 {
		throughput = float64(processedCount) / elapsed.Seconds()
	}

	return Result{
		Success:       len(failedIDs) == 0,
		Total:         total,
		Processed:     int(processedCount),
		Failed:        len(failedIDs),
		FailedIDs:     failedIDs,
		Elapsed:       elapsed,
		Throughput:    throughput,
		ConceptsFound: int(conceptsFound),
	}, nil
}

// filterPending drops files already completed in the State Store, or that
// already have a valid sentinel-terminated output artifact (marking those
// completed in passing).
func (s *Scheduler) filterPending(discovered []string) []string {
	pending := make([]string, 0, len(discovered))
	for _, f := range discovered {
		if s.backend.IsCompleted(f) {
			continue
		}

		outputPath := processor.OutputPath(s.cfg.OutputDir, f)
		if info, err := os.Stat(outputPath); err == nil && info.Size() > 0 {
			if ok, _ := processor.VerifySentinel(outputPath); ok {
				_ = s.backend.MarkCompleted(f, nil, 0)
				continue
			}
		}
		pending = append(pending, f)
	}
	return pending
}

// runWholeBatch submits every file in batch to the pool-backed worker loop
// concurrently, bounded by s.workers, and folds results into the shared
// counters.
func (s *Scheduler) runWholeBatch(ctx context.Context, batch []string, processedCount, conceptsFound *int64, mu *sync.Mutex, failedIDs *[]string) {
	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, s.currentWorkers())
	var wg sync.WaitGroup

	for i, id := range batch {
		if s.stopFlag.Load() {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, fileID string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.processOne(ctx, fileID, conceptsFound)
			if err != nil {
				mu.Lock()
				*failedIDs = append(*failedIDs, fileID)
				mu.Unlock()
				metrics.FilesFailedTotal.Inc()
			} else {
				atomic.AddInt64(processedCount, 1)
				metrics.FilesProcessedTotal.Inc()
			}

			s.reportProgress(idx+1, len(batch), fileID)
		}(i, id)
	}

	wg.Wait()
}

func (s *Scheduler) currentWorkers() int {
	w := int(s.workers.Load())
	if w < 1 {
		w = 1
	}
	return w
}

// processOne acquires a pool handle (if pooled), runs the File Processor,
// and updates the State Store. Scoped acquisition releases the handle on
// every exit path.
func (s *Scheduler) processOne(ctx context.Context, fileID string, conceptsFound *int64) error {
	_ = s.backend.MarkInProgress(fileID)

	var handle processor.Handle
	var poolID int
	var rawHandle pool.Handle
	if s.pool != nil {
		id, h, err := s.pool.Acquire(ctx)
		if err != nil {
			_ = s.backend.MarkFailed(fileID, err.Error())
			return err
		}
		poolID = id
		rawHandle = h
		if adapter, ok := h.(processor.Handle); ok {
			handle = adapter
		}
		defer s.pool.Release(poolID, rawHandle)
	}

	fileSize := int64(0)
	if info, err := os.Stat(fileID); err == nil {
		fileSize = info.Size()
	}
	var recentAvg time.Duration
	if s.pool != nil {
		recentAvg = s.pool.AverageRecentDuration()
	}
	timeout := processor.DynamicTimeout(s.cfg.TimeoutPerFile, fileSize, recentAvg)

	result := processor.Process(ctx, fileID, processor.Options{
		BinaryPath:        s.cfg.BinaryPath,
		OutputDir:         s.cfg.OutputDir,
		ProcessingOptions: s.cfg.ProcessingOptions,
		Timeout:           timeout,
		Handle:            handle,
	})
	metrics.ObserveFileDuration(result.Elapsed)

	if s.pool != nil {
		s.pool.RecordCompletion(result.Elapsed)
	}

	if s.events != nil {
		s.events.Publish(ProgressEvent{Kind: "file_complete", FileID: fileID, Elapsed: result.Elapsed})
	}

	if !result.Success {
		_ = s.backend.MarkFailed(fileID, result.Error)
		return &processError{msg: result.Error}
	}

	_ = s.backend.MarkCompleted(fileID, nil, result.Elapsed)
	return nil
}

type processError struct{ msg string }

func (e *processError) Error() string { return e.msg }

// adjustWorkers implements dynamic worker-count sizing: shrink by one
// under memory/CPU pressure, grow by one when resources are ample,
// clamped to [1, MaxWorkers].
func (s *Scheduler) adjustWorkers() {
	memPct, cpuPct, err := resourceUtilization()
	if err != nil {
		return
	}

	current := s.currentWorkers()
	switch {
	case memPct > 85 || cpuPct > 90:
		if current > 1 {
			s.workers.Store(int64(current - 1))
		}
	case memPct < 60 && cpuPct < 50:
		if current < s.cfg.MaxWorkers {
			s.workers.Store(int64(current + 1))
		}
	}
	metrics.WorkerPoolSize.Set(float64(s.currentWorkers()))
}

// reportProgress fires a rate-limited, percentage-gated progress tick. In
// whole-batch mode there is no chunk boundary to hang dynamic resizing off
// of, so a progress tick doubles as that mode's resize checkpoint.
func (s *Scheduler) reportProgress(done, total int, fileID string) {
	if total == 0 {
		return
	}
	percent := int64(done * 100 / total)
	if percent == s.lastPercent.Swap(percent) {
		return
	}
	if !s.limiter.Allow() {
		return
	}

	if s.cfg.DynamicWorkers && !s.cfg.ChunkedProcessing {
		s.adjustWorkers()
	}

	if s.events != nil {
		s.events.Publish(ProgressEvent{Kind: "stats_tick", Rate: float64(percent)})
	}
}
