package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/sandbox"
)

// Timeouts for the store writes and container signaling a worker performs
// around the sandbox run itself.
const (
	stagingTimeout  = 2 * time.Minute
	finalizeTimeout = 30 * time.Second
)

// runJob drives one claimed job through staging, sandbox execution, and
// finalization. It owns the job's execution slot for its whole lifetime.
//
// Workers deliberately do not inherit the scheduler's context: a shutdown
// must never abort the store write that decides a job's fate. The drain
// protocol stops the sandbox instead and the worker hands the job back.
func (s *Scheduler) runJob(entry *runningJob) {
	defer s.workerWg.Done()
	defer s.untrack(entry.job.ID)

	job := entry.job
	started := time.Now()

	// Cancellation may have won the CANCELLED swap in the moment between
	// claim and tracking. Nothing was launched, nothing to discard.
	if entry.isCancelled() {
		s.discardWorkspace(job, false)
		return
	}
	if s.isDraining() {
		s.requeueDrained(entry)
		return
	}

	if s.stager != nil {
		stageCtx, cancel := context.WithTimeout(context.Background(), stagingTimeout)
		err := s.stager.EnsureStaged(stageCtx, job.StrategyID)
		cancel()
		if err != nil {
			s.handleLaunchFailure(entry, fmt.Errorf("failed to stage strategy source: %w", err))
			return
		}
	}

	workdir, err := s.workspaces.Prepare(job)
	if err != nil {
		s.handleLaunchFailure(entry, err)
		return
	}

	spec := &sandbox.ExecSpec{
		JobID:        job.ID,
		StrategyName: sandbox.StrategyClassName(job.StrategyID),
		Timerange:    job.Config.Timerange(),
		WorkspaceDir: workdir,
		Deadline:     s.deadline(),
	}

	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), finalizeTimeout)
	handle, err := s.runtime.Start(launchCtx, spec)
	cancelLaunch()
	if err != nil {
		metrics.RecordSandboxLaunchFailure()
		s.sandboxLog.LogLaunchFailed(job.ID, s.cfg.Sandbox.Image, err)
		s.handleLaunchFailure(entry, fmt.Errorf("sandbox launch failed: %w", err))
		return
	}

	metrics.RecordSandboxLaunch()
	s.sandboxLog.LogContainerStarted(job.ID, handle.ID(), s.cfg.Sandbox.Image,
		s.cfg.Sandbox.CPULimit, s.cfg.Sandbox.MemoryLimitMB)
	entry.setHandle(handle)

	if err := s.setContainerID(job, handle.ID()); err != nil {
		s.jobLog.WithError(err).WithField("job_id", job.ID.String()).
			Warn("Failed to record container ID")
	}

	// The watcher turns a cancellation signal into a container stop. A
	// cancel that landed before the handle existed fires immediately.
	watchDone := make(chan struct{})
	go s.watchCancel(entry, handle, watchDone)

	outcome, waitErr := handle.Wait(context.Background())
	close(watchDone)

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), finalizeTimeout)
	if err := handle.Cleanup(cleanupCtx); err != nil {
		s.sandboxLog.WithError(err).WithField("job_id", job.ID.String()).
			Warn("Failed to remove sandbox container")
	}
	cancelCleanup()

	s.finalize(entry, outcome, waitErr, started)
}

func (s *Scheduler) watchCancel(entry *runningJob, handle sandbox.Handle, watchDone <-chan struct{}) {
	select {
	case <-entry.cancelCh:
		grace := time.Duration(s.cfg.Sandbox.CancelGracePeriodSeconds) * time.Second
		stopCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
		defer cancel()
		if err := handle.Stop(stopCtx, grace); err != nil {
			s.sandboxLog.WithError(err).WithField("job_id", entry.job.ID.String()).
				Warn("Failed to stop cancelled sandbox")
			return
		}
		s.sandboxLog.LogContainerKilled(entry.job.ID, handle.ID(), "cancelled",
			s.cfg.Sandbox.CancelGracePeriodSeconds)
	case <-watchDone:
	}
}

// finalize turns a sandbox outcome into the job's next durable state.
func (s *Scheduler) finalize(entry *runningJob, outcome *sandbox.Outcome, waitErr error, started time.Time) {
	job := entry.job

	// A cancelled job's durable state was already decided by the
	// canceller; whatever the sandbox produced is discarded.
	if entry.isCancelled() {
		s.discardWorkspace(job, false)
		return
	}

	if entry.isDrained() {
		s.requeueDrained(entry)
		return
	}

	if waitErr != nil {
		s.applyRetryPolicy(entry, "wait_error", fmt.Sprintf("sandbox wait failed: %v", waitErr))
		return
	}

	metrics.RecordSandboxOutcome(string(outcome.Kind))
	metrics.RecordSandboxLogSize(len(outcome.Log))

	switch {
	case outcome.Kind == sandbox.OutcomeTimedOut:
		s.sandboxLog.LogContainerKilled(job.ID, containerID(entry), "deadline",
			s.cfg.Sandbox.CancelGracePeriodSeconds)
		s.applyRetryPolicy(entry, "timeout", fmt.Sprintf("timed out after %s", s.deadline()))

	case outcome.ExitCode != 0:
		s.sandboxLog.LogContainerExited(job.ID, containerID(entry), outcome.ExitCode,
			time.Since(started).Milliseconds())
		s.applyRetryPolicy(entry, "nonzero_exit", fmt.Sprintf("engine exited with code %d", outcome.ExitCode))

	default:
		s.sandboxLog.LogContainerExited(job.ID, containerID(entry), 0, time.Since(started).Milliseconds())
		s.completeJob(entry, outcome, started)
	}
}

// completeJob parses the result artifact and finalizes a clean exit. A
// malformed artifact is a terminal failure, never retried: rerunning a
// deterministic backtest cannot fix its output.
func (s *Scheduler) completeJob(entry *runningJob, outcome *sandbox.Outcome, started time.Time) {
	job := entry.job

	result, err := s.results.Collect(job, outcome.Log)
	if err != nil {
		metrics.RecordResultParseFailure()
		s.markFailed(job, "result_parse_error: "+err.Error())
		s.discardWorkspace(job, true)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := s.repo.MarkCompleted(ctx, job.ID, result, result.RawLog); err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Cancelled in the window after the sandbox exited. The
			// cancellation owns the terminal state; the result is dropped.
			s.discardWorkspace(job, false)
			return
		}
		s.jobLog.WithError(err).WithField("job_id", job.ID.String()).
			Error("Failed to persist completed result, job stays running until recovery")
		return
	}

	duration := time.Since(started)
	metrics.RecordJobTerminal(models.JobStatusCompleted.String())
	metrics.RecordJobRunDuration(duration.Seconds())
	s.jobLog.LogTerminal(job.ID, models.JobStatusCompleted.String(), job.RetryCount, duration.Milliseconds(), "")
	s.notifyTerminal(job.ID)
	s.discardWorkspace(job, false)
}

// handleLaunchFailure treats everything before a successful sandbox start
// as transient: the engine image, the container daemon, or the strategy
// provider may recover by the next attempt.
func (s *Scheduler) handleLaunchFailure(entry *runningJob, cause error) {
	s.applyRetryPolicy(entry, "launch_failure", cause.Error())
}

// applyRetryPolicy requeues a transiently failed job with exponential
// backoff, or fails it terminally once the retry budget is spent. Either
// swap can lose to a concurrent cancellation, which is a benign discard.
func (s *Scheduler) applyRetryPolicy(entry *runningJob, reason, message string) {
	job := entry.job

	if job.RetryCount >= s.cfg.Scheduler.MaxRetries {
		s.markFailed(job, message)
		s.discardWorkspace(job, true)
		return
	}

	backoff := RetryBackoff(s.cfg.Scheduler.RetryBackoffSeconds, job.RetryCount)
	nextAttempt := time.Now().UTC().Add(backoff)

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := s.repo.RequeueForRetry(ctx, job.ID, message, nextAttempt); err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.discardWorkspace(job, false)
			return
		}
		s.jobLog.WithError(err).WithField("job_id", job.ID.String()).Error("Failed to requeue job for retry")
		return
	}

	metrics.RecordJobRetry(reason)
	s.jobLog.LogRetryScheduled(job.ID, job.RetryCount+1, s.cfg.Scheduler.MaxRetries, reason, backoff.Seconds())

	// The next attempt must start from a clean workspace; a stale result
	// artifact would masquerade as the new run's output.
	s.discardWorkspace(job, false)
}

// requeueDrained hands a job interrupted by shutdown back to the queue.
// The plain PENDING swap leaves retry_count untouched: shutdown is not the
// job's failure.
func (s *Scheduler) requeueDrained(entry *runningJob) {
	job := entry.job

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := s.repo.TransitionState(ctx, job.ID, models.JobStatusRunning, models.JobStatusPending); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			s.jobLog.WithError(err).WithField("job_id", job.ID.String()).
				Error("Failed to requeue job during drain")
		}
		return
	}
	s.discardWorkspace(job, false)
}

func (s *Scheduler) markFailed(job *models.BacktestJob, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := s.repo.MarkFailed(ctx, job.ID, message); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return
		}
		s.jobLog.WithError(err).WithField("job_id", job.ID.String()).Error("Failed to mark job failed")
		return
	}

	metrics.RecordJobTerminal(models.JobStatusFailed.String())
	s.jobLog.LogTerminal(job.ID, models.JobStatusFailed.String(), job.RetryCount, job.Duration().Milliseconds(), message)
	s.notifyTerminal(job.ID)
}

func (s *Scheduler) setContainerID(job *models.BacktestJob, containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	return s.repo.SetContainerID(ctx, job.ID, containerID)
}

func (s *Scheduler) discardWorkspace(job *models.BacktestJob, failed bool) {
	if err := s.workspaces.Cleanup(job.ID, failed); err != nil {
		s.jobLog.WithError(err).WithField("job_id", job.ID.String()).Warn("Failed to clean job workspace")
	}
}

// deadline is the effective wall-clock cap for one sandbox run: the
// stricter of the scheduler's job timeout and the sandbox run timeout.
func (s *Scheduler) deadline() time.Duration {
	jobTimeout := time.Duration(s.cfg.Scheduler.JobTimeoutMinutes) * time.Minute
	runTimeout := time.Duration(s.cfg.Sandbox.RunTimeoutMinutes) * time.Minute
	if runTimeout < jobTimeout {
		return runTimeout
	}
	return jobTimeout
}

func containerID(entry *runningJob) string {
	if handle := entry.getHandle(); handle != nil {
		return handle.ID()
	}
	return ""
}
