// Package logger provides job-lifecycle logging.
package logger

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobLogger provides dedicated logging for job lifecycle events.
type JobLogger struct {
	*logrus.Entry
}

// NewJobLogger creates a new job logger.
func NewJobLogger(baseLogger *logrus.Logger) *JobLogger {
	return &JobLogger{
		Entry: baseLogger.WithField("component", "scheduler"),
	}
}

// LogEnqueued logs a job entering the queue.
func (jl *JobLogger) LogEnqueued(jobID, strategyID uuid.UUID, priority int, source string) {
	jl.WithFields(logrus.Fields{
		"job_id":      jobID.String(),
		"strategy_id": strategyID.String(),
		"priority":    priority,
		"source":      source,
	}).Info("Backtest job enqueued")
}

// LogDispatched logs a job claiming an execution slot.
func (jl *JobLogger) LogDispatched(jobID uuid.UUID, priority, retryCount, freeSlots int) {
	jl.WithFields(logrus.Fields{
		"job_id":      jobID.String(),
		"priority":    priority,
		"retry_count": retryCount,
		"free_slots":  freeSlots,
	}).Info("Backtest job dispatched")
}

// LogRetryScheduled logs a transient failure re-entering the queue.
func (jl *JobLogger) LogRetryScheduled(jobID uuid.UUID, retryCount, maxRetries int, reason string, backoffSeconds float64) {
	jl.WithFields(logrus.Fields{
		"job_id":          jobID.String(),
		"retry_count":     retryCount,
		"max_retries":     maxRetries,
		"reason":          reason,
		"backoff_seconds": backoffSeconds,
	}).Warn("Backtest job scheduled for retry")
}

// LogTerminal logs a job reaching a terminal status.
func (jl *JobLogger) LogTerminal(jobID uuid.UUID, status string, retryCount int, durationMs int64, errorMessage string) {
	fields := logrus.Fields{
		"job_id":      jobID.String(),
		"status":      status,
		"retry_count": retryCount,
		"duration_ms": durationMs,
	}
	if errorMessage != "" {
		fields["error_message"] = errorMessage
	}
	jl.WithFields(fields).Info("Backtest job finished")
}

// LogCancellationRequested logs a cancellation request against a job.
func (jl *JobLogger) LogCancellationRequested(jobID uuid.UUID, statusAtRequest string) {
	jl.WithFields(logrus.Fields{
		"job_id":            jobID.String(),
		"status_at_request": statusAtRequest,
	}).Info("Backtest job cancellation requested")
}

// LogOrphansRequeued logs the startup recovery of interrupted jobs.
func (jl *JobLogger) LogOrphansRequeued(count int) {
	if count == 0 {
		return
	}
	jl.WithField("requeued", count).Warn("Requeued orphaned running jobs from previous process")
}
