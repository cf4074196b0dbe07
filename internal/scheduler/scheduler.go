// Package scheduler owns backtest admission control: it claims pending jobs
// under a fixed concurrency ceiling, drives each through a sandboxed
// execution, and arbitrates the races between dispatch, cancellation, and
// retry through the store's compare-and-swap transitions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/collector"
	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/logger"
	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/repository"
	"github.com/yourusername/freqsearch/internal/sandbox"
)

// TerminalNotifier is nudged after every terminal transition so the event
// publisher can deliver without waiting for the recovery sweep.
type TerminalNotifier interface {
	NotifyTerminal(jobID uuid.UUID)
}

// StrategyStager makes a strategy's source file available on the read-only
// strategies mount before the sandbox launches.
type StrategyStager interface {
	EnsureStaged(ctx context.Context, strategyID uuid.UUID) error
}

// runningJob is the in-memory registry entry for one execution slot. The
// registry is a cache for signaling only; the store remains the source of
// truth for every job's state.
type runningJob struct {
	job      *models.BacktestJob
	cancelCh chan struct{}

	mu        sync.Mutex
	handle    sandbox.Handle
	cancelled bool
	drained   bool
}

func newRunningJob(job *models.BacktestJob) *runningJob {
	return &runningJob{job: job, cancelCh: make(chan struct{})}
}

// markCancelled flags the entry and releases the cancel watcher. Safe to
// call before the sandbox handle exists.
func (r *runningJob) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cancelled {
		r.cancelled = true
		close(r.cancelCh)
	}
}

func (r *runningJob) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *runningJob) markDrained() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drained = true
}

func (r *runningJob) isDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drained
}

func (r *runningJob) setHandle(h sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = h
}

func (r *runningJob) getHandle() sandbox.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Scheduler runs the admission loop and the bounded worker pool.
type Scheduler struct {
	cfg        *config.Config
	repo       repository.JobRepository
	runtime    sandbox.Runtime
	workspaces *sandbox.WorkspaceManager
	results    *collector.Collector
	stager     StrategyStager
	notifier   TerminalNotifier
	jobLog     *logger.JobLogger
	sandboxLog *logger.SandboxLogger

	mu       sync.Mutex
	registry map[uuid.UUID]*runningJob
	running  bool
	draining bool

	done     chan struct{}
	loopWg   sync.WaitGroup
	workerWg sync.WaitGroup
}

// New creates a scheduler. stager and notifier may be nil: staging is then
// skipped and event delivery left entirely to the recovery sweep.
func New(
	cfg *config.Config,
	repo repository.JobRepository,
	runtime sandbox.Runtime,
	workspaces *sandbox.WorkspaceManager,
	results *collector.Collector,
	stager StrategyStager,
	notifier TerminalNotifier,
	baseLogger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		repo:       repo,
		runtime:    runtime,
		workspaces: workspaces,
		results:    results,
		stager:     stager,
		notifier:   notifier,
		jobLog:     logger.NewJobLogger(baseLogger),
		sandboxLog: logger.NewSandboxLogger(baseLogger),
		registry:   make(map[uuid.UUID]*runningJob),
		done:       make(chan struct{}),
	}
}

// Start recovers state abandoned by a previous process, then begins the
// admission loop. RUNNING rows are requeued without consuming retry budget
// and leftover sandbox containers are removed before anything dispatches.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	requeued, err := s.repo.RequeueOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	s.jobLog.LogOrphansRequeued(requeued)
	metrics.RecordOrphanRequeues(requeued)

	reaped, err := s.runtime.ReapOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to reap orphaned sandboxes: %w", err)
	}
	if reaped > 0 {
		metrics.RecordContainersReaped(reaped)
		s.sandboxLog.WithField("reaped", reaped).Warn("Removed sandbox containers from previous process")
	}

	metrics.UpdateExecutionSlots(0, float64(s.cfg.Scheduler.MaxConcurrentBacktests))

	s.loopWg.Add(1)
	go s.dispatchLoop(ctx)

	s.jobLog.WithFields(logrus.Fields{
		"max_concurrent": s.cfg.Scheduler.MaxConcurrentBacktests,
		"poll_interval":  s.cfg.Scheduler.PollIntervalSeconds,
	}).Info("Scheduler started")
	return nil
}

// Stop drains the scheduler: dispatch halts immediately, then in-flight
// workers get the shutdown window to finish. Whatever is still executing
// afterwards is stopped and its job handed back to the queue untouched.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.draining = true
	s.mu.Unlock()

	close(s.done)
	s.loopWg.Wait()

	workersDone := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(workersDone)
	}()

	shutdownTimeout := time.Duration(s.cfg.Scheduler.ShutdownTimeoutSeconds) * time.Second
	select {
	case <-workersDone:
		s.jobLog.Info("Scheduler drained cleanly")
	case <-time.After(shutdownTimeout):
		s.forceStopWorkers()
		select {
		case <-workersDone:
		case <-time.After(shutdownTimeout):
			s.jobLog.Error("Workers did not exit after forced stop")
		}
	}

	s.jobLog.Info("Scheduler stopped")
	return nil
}

// forceStopWorkers requeues every in-flight job and kills its sandbox. The
// drained flag makes each worker hand its job back as PENDING without
// touching the retry budget.
func (s *Scheduler) forceStopWorkers() {
	s.mu.Lock()
	entries := make([]*runningJob, 0, len(s.registry))
	for _, entry := range s.registry {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	grace := time.Duration(s.cfg.Sandbox.CancelGracePeriodSeconds) * time.Second
	for _, entry := range entries {
		entry.markDrained()
		if handle := entry.getHandle(); handle != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
			if err := handle.Stop(stopCtx, grace); err != nil {
				s.sandboxLog.WithError(err).WithField("job_id", entry.job.ID.String()).
					Warn("Failed to stop sandbox during drain")
			}
			cancel()
		}
	}
	s.jobLog.WithField("requeued", len(entries)).Warn("Drain window expired, handing running jobs back to the queue")
}

func (s *Scheduler) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.loopWg.Done()

	interval := time.Duration(s.cfg.Scheduler.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First pass immediately so recovered work does not wait a full tick.
	s.dispatchOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce claims up to free-slot pending jobs. The PENDING to RUNNING
// compare-and-swap is the admission point: losing it means another actor
// (cancellation, a second scheduler) got the row first, which is a benign
// skip, never an error.
func (s *Scheduler) dispatchOnce(ctx context.Context) {
	free := s.freeSlots()
	if free <= 0 {
		return
	}

	candidates, err := s.repo.DequeueCandidates(ctx, free)
	if err != nil {
		s.jobLog.WithError(err).Error("Failed to fetch dispatch candidates")
		return
	}

	for _, job := range candidates {
		if s.freeSlots() <= 0 {
			return
		}

		if err := s.repo.TransitionState(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning); err != nil {
			if errors.Is(err, models.ErrConflict) {
				metrics.RecordDispatchConflict()
				continue
			}
			s.jobLog.WithError(err).WithField("job_id", job.ID.String()).Error("Failed to claim job")
			continue
		}

		now := time.Now().UTC()
		job.Status = models.JobStatusRunning
		job.StartedAt = &now

		entry := s.track(job)
		metrics.RecordJobDispatched(now.Sub(job.CreatedAt).Seconds())
		s.jobLog.LogDispatched(job.ID, job.Priority, job.RetryCount, s.freeSlots())

		s.workerWg.Add(1)
		go s.runJob(entry)
	}
}

func (s *Scheduler) freeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Scheduler.MaxConcurrentBacktests - len(s.registry)
}

// RunningCount reports how many execution slots are currently held.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

func (s *Scheduler) track(job *models.BacktestJob) *runningJob {
	entry := newRunningJob(job)
	s.mu.Lock()
	s.registry[job.ID] = entry
	busy := len(s.registry)
	s.mu.Unlock()
	metrics.UpdateExecutionSlots(float64(busy), float64(s.cfg.Scheduler.MaxConcurrentBacktests))
	return entry
}

func (s *Scheduler) untrack(jobID uuid.UUID) {
	s.mu.Lock()
	delete(s.registry, jobID)
	busy := len(s.registry)
	s.mu.Unlock()
	metrics.UpdateExecutionSlots(float64(busy), float64(s.cfg.Scheduler.MaxConcurrentBacktests))
}

// Cancel moves a job to CANCELLED from either waiting state. The durable
// transition always lands before the sandbox is signaled: even if the
// process dies mid-kill, a restart reaps the container and the job stays
// cancelled. Terminal jobs return AlreadyTerminalError.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	const maxAttempts = 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		job, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if attempt == 0 {
			s.jobLog.LogCancellationRequested(id, job.Status.String())
		}

		if job.Status.IsTerminal() {
			return &models.AlreadyTerminalError{JobID: id, Status: job.Status}
		}

		from := job.Status
		if err := s.repo.TransitionState(ctx, id, from, models.JobStatusCancelled); err != nil {
			if errors.Is(err, models.ErrConflict) {
				// The job moved between read and swap; retry against its
				// new state.
				continue
			}
			return err
		}

		if from == models.JobStatusRunning {
			s.signalCancel(id)
		}

		metrics.RecordJobTerminal(models.JobStatusCancelled.String())
		s.jobLog.LogTerminal(id, models.JobStatusCancelled.String(), job.RetryCount, job.Duration().Milliseconds(), "")
		s.notifyTerminal(id)
		return nil
	}

	return fmt.Errorf("cancellation lost repeated transition races: %w", models.ErrConflict)
}

// signalCancel releases the owning worker's cancel watcher. A missing
// registry entry means the job runs in another process or died with one;
// the durable CANCELLED state already decides the outcome either way.
func (s *Scheduler) signalCancel(id uuid.UUID) {
	s.mu.Lock()
	entry, ok := s.registry[id]
	s.mu.Unlock()
	if ok {
		entry.markCancelled()
	}
}

func (s *Scheduler) notifyTerminal(id uuid.UUID) {
	if s.notifier != nil {
		s.notifier.NotifyTerminal(id)
	}
}
