// Package scheduler is the per-instance control loop: it claims pending and
// orphaned jobs up to the concurrency cap, spawns executors, proves liveness
// of every in-flight job via heartbeats, and hands jobs back on shutdown.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/bisectd/bisectd/internal/bisect"
	"github.com/bisectd/bisectd/internal/forge"
	"github.com/bisectd/bisectd/internal/store"
)

// JobStore is the slice of the store the scheduler needs.
type JobStore interface {
	Claim(ctx context.Context, workerID string, limit int) ([]store.Job, error)
	Heartbeat(ctx context.Context, id int64, workerID string) (bool, error)
	Release(ctx context.Context, id int64, workerID string) error
	FailIfExhausted(ctx context.Context, id int64, workerID string) (bool, error)
}

// JobExecutor runs one claimed job to its end.
type JobExecutor interface {
	Run(ctx context.Context, job store.Job) error
}

// Config carries the scheduler's timing and admission parameters.
type Config struct {
	WorkerID          string
	MaxConcurrentJobs int

	HeartbeatInterval time.Duration
	RecoveryInterval  time.Duration
	DrainTimeout      time.Duration
}

// Scheduler owns the claim loop and the in-flight table of one instance.
type Scheduler struct {
	store    JobStore
	executor JobExecutor
	forge    forge.Client
	cfg      Config
	log      *logrus.Entry

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[int64]*inflightJob
	wg       sync.WaitGroup
}

// inflightJob tracks one running executor. cancel carries the abort cause to
// the executor's checkpoints.
type inflightJob struct {
	job    store.Job
	cancel context.CancelCauseFunc
}

func New(st JobStore, executor JobExecutor, forgeClient forge.Client, cfg Config, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		executor: executor,
		forge:    forgeClient,
		cfg:      cfg,
		log:      log.WithField("worker-id", cfg.WorkerID),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		inflight: make(map[int64]*inflightJob),
	}
}

// Run drives the claim and heartbeat ticks until ctx is cancelled, then
// drains. It returns once every executor has stopped.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Infof("Scheduler running (cap %d, recovery every %v)", s.cfg.MaxConcurrentJobs, s.cfg.RecoveryInterval)

	claimTicker := time.NewTicker(s.cfg.RecoveryInterval)
	defer claimTicker.Stop()
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	// Claim immediately on startup, then on every recovery tick.
	s.claimAndSpawn(ctx)

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case <-claimTicker.C:
			s.claimAndSpawn(ctx)
		case <-heartbeatTicker.C:
			s.heartbeatAll(ctx)
		}
	}
}

// InFlight returns the number of jobs currently executing on this instance.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// claimAndSpawn claims up to the free capacity and starts an executor per
// claimed job. Recovery of orphaned jobs is the same claim, widened to stale
// running rows by the store.
func (s *Scheduler) claimAndSpawn(ctx context.Context) {
	s.mu.Lock()
	free := s.cfg.MaxConcurrentJobs - len(s.inflight)
	s.mu.Unlock()
	if free <= 0 {
		return
	}

	jobs, err := s.store.Claim(ctx, s.cfg.WorkerID, free)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Errorf("Claim failed - %v", err)
		}
		return
	}

	for _, job := range jobs {
		if job.AttemptCount > store.MaxAttempts {
			s.failExhausted(ctx, job)
			continue
		}
		s.spawn(ctx, job)
	}
}

// failExhausted handles a claimed job whose attempt counter passed the cap:
// it goes straight to failed and, when credentials are available, gets a
// final comment.
func (s *Scheduler) failExhausted(ctx context.Context, job store.Job) {
	failed, err := s.store.FailIfExhausted(ctx, job.ID, s.cfg.WorkerID)
	if err != nil {
		s.log.Errorf("Failed to mark job %d as exhausted - %v", job.ID, err)
		return
	}
	if !failed {
		return
	}
	s.log.Warnf("Job %d exceeded its retry limit, marked failed", job.ID)

	body := "⚠️ Bisect failed: retry limit exceeded. The job crashed repeatedly; the test command may be killing the worker."
	if _, err := s.forge.CreateComment(ctx, job.InstallationID, job.RepoOwner, job.RepoName, job.IssueNumber, body); err != nil {
		s.log.Warnf("Failed to post retry-exhausted comment for job %d - %v", job.ID, err)
	}
}

// spawn starts one executor under the admission semaphore.
func (s *Scheduler) spawn(ctx context.Context, job store.Job) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}

	// Executors are not children of the claim context: shutdown must let
	// them finish until the drain deadline, not kill them outright.
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	handle := &inflightJob{job: job, cancel: cancel}

	s.mu.Lock()
	s.inflight[job.ID] = handle
	s.mu.Unlock()

	log := s.log.WithField("job-id", job.ID)
	log.Infof("Claimed job (attempt %d/%d)", job.AttemptCount, store.MaxAttempts)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			s.mu.Lock()
			delete(s.inflight, job.ID)
			s.mu.Unlock()
			cancel(nil)
		}()

		err := s.executor.Run(jobCtx, job)
		switch {
		case err == nil:
			log.Info("Job finished")
		case errors.Is(err, bisect.ErrShutdown):
			s.releaseJob(job.ID)
		case errors.Is(err, bisect.ErrOwnershipLost):
			log.Warn("Job was re-claimed elsewhere, abandoned")
		default:
			// Infrastructure failure: the row stays running and is recovered
			// via the stale-heartbeat path, here or on another instance.
			log.Errorf("Executor aborted - %v", err)
		}
	}()
}

// releaseJob reverts a running job to pending on the graceful-shutdown path.
func (s *Scheduler) releaseJob(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.store.Release(ctx, id, s.cfg.WorkerID); err != nil {
		s.log.Errorf("Failed to release job %d - %v", id, err)
		return
	}
	s.log.Infof("Released job %d for another instance", id)
}

// heartbeatAll proves ownership of every in-flight job. Heartbeats are
// emitted here rather than in the executors so a probe blocked in the sandbox
// cannot starve them.
func (s *Scheduler) heartbeatAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*inflightJob, 0, len(s.inflight))
	for _, h := range s.inflight {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		ok, err := s.store.Heartbeat(ctx, h.job.ID, s.cfg.WorkerID)
		if err != nil {
			s.log.Warnf("Heartbeat of job %d failed - %v", h.job.ID, err)
			continue
		}
		if !ok {
			s.log.Warnf("Lost ownership of job %d, aborting its executor", h.job.ID)
			h.cancel(bisect.ErrOwnershipLost)
		}
	}
}

// drain stops claiming, waits for in-flight jobs up to the drain deadline,
// then aborts and releases the stragglers.
func (s *Scheduler) drain() {
	s.log.Infof("Draining, waiting up to %v for %d in-flight job(s)", s.cfg.DrainTimeout, s.InFlight())

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All jobs finished, drain complete")
		return
	case <-time.After(s.cfg.DrainTimeout):
	}

	s.mu.Lock()
	for _, h := range s.inflight {
		h.cancel(bisect.ErrShutdown)
	}
	remaining := len(s.inflight)
	s.mu.Unlock()

	s.log.Warnf("Drain deadline reached, handing %d job(s) back", remaining)
	<-done
	s.log.Info("Drain complete")
}
