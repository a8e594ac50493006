// metamapctl - MetaMap batch annotation orchestrator
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/editnori/metamapctl/internal/eventbus"
	"github.com/editnori/metamapctl/internal/logging"
	"github.com/editnori/metamapctl/internal/scheduler"
)

// JobStatus is a Job Record's lifecycle position.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is the Monitoring API's in-memory view of one scheduler.Run
// invocation: the spec's Job Record, widened with the percent-done figure
// last observed off the Progress Event Bus.
type Job struct {
	ID          string
	Status      JobStatus
	StartedAt   time.Time
	EndedAt     time.Time
	PercentDone int
	Result      scheduler.Result
	Err         string
}

// JobManager owns the single in-flight (or most recently finished) job a
// metamapctl process runs, and exposes it to the Monitoring API. A process
// runs at most one batch at a time; the registry exists so the API can
// answer "how did job X do" after Run returns, not to schedule concurrent
// batches.
type JobManager struct {
	mu  sync.RWMutex
	jobs map[string]*Job

	sched *scheduler.Scheduler
	bus   eventbus.Bus
}

// NewJobManager wires a JobManager around the scheduler it supervises and
// the event bus it watches for progress ticks.
func NewJobManager(sched *scheduler.Scheduler, bus eventbus.Bus) *JobManager {
	return &JobManager{
		jobs:  make(map[string]*Job),
		sched: sched,
		bus:   bus,
	}
}

// Start launches one scheduler.Run in the background and returns its Job
// immediately. The job's Status/Result are updated in place as the run
// progresses and completes.
func (jm *JobManager) Start(ctx context.Context) *Job {
	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobStatusRunning,
		StartedAt: time.Now(),
	}

	jm.mu.Lock()
	jm.jobs[job.ID] = job
	jm.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	if jm.bus != nil {
		go jm.watchProgress(subCtx, job)
	}

	go func() {
		defer cancel()
		result, err := jm.sched.Run(ctx)

		jm.mu.Lock()
		defer jm.mu.Unlock()
		job.EndedAt = time.Now()
		job.Result = result
		switch {
		case err != nil:
			job.Status = JobStatusFailed
			job.Err = err.Error()
		case jm.sched.Stopped():
			job.Status = JobStatusCancelled
		case result.Success:
			job.Status = JobStatusCompleted
		default:
			job.Status = JobStatusFailed
		}
	}()

	return job
}

// watchProgress subscribes to the bus for the lifetime of one run and
// records the latest stats_tick percentage onto the job.
func (jm *JobManager) watchProgress(ctx context.Context, job *Job) {
	ch := jm.bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind == eventbus.KindStatsTick {
				jm.mu.Lock()
				job.PercentDone = e.PercentDone
				jm.mu.Unlock()
			}
		}
	}
}

// Get returns a copy of the job record for id, or false if unknown.
func (jm *JobManager) Get(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Cancel requests cancellation of the running scheduler. It is a process
// -wide stop, not a per-job cancel: there is at most one run in flight.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.RLock()
	_, ok := jm.jobs[id]
	jm.mu.RUnlock()
	if !ok {
		return false
	}
	jm.sched.Stop()
	return true
}

// Retry re-invokes the Retry Controller against job id's last known failed
// set, folding any recoveries back into the stored Result.
func (jm *JobManager) Retry(ctx context.Context, id string) (recovered []string, ok bool) {
	jm.mu.Lock()
	job, exists := jm.jobs[id]
	if !exists {
		jm.mu.Unlock()
		return nil, false
	}
	failedIDs := append([]string(nil), job.Result.FailedIDs...)
	jm.mu.Unlock()

	if len(failedIDs) == 0 {
		return nil, true
	}

	recovered = jm.sched.RetryNow(ctx, failedIDs)

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if len(recovered) > 0 {
		recoveredSet := make(map[string]bool, len(recovered))
		for _, r := range recovered {
			recoveredSet[r] = true
		}
		remaining := make([]string, 0, len(job.Result.FailedIDs))
		for _, f := range job.Result.FailedIDs {
			if !recoveredSet[f] {
				remaining = append(remaining, f)
			}
		}
		job.Result.FailedIDs = remaining
		job.Result.Failed = len(remaining)
		job.Result.Processed += len(recovered)
		if job.Result.Failed == 0 {
			job.Result.Success = true
		}
	}
	logging.Info().Str("job_id", id).Int("recovered", len(recovered)).Msg("api: manual retry completed")
	return recovered, true
}
