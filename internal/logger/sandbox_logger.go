// Package logger provides sandbox-lifecycle logging.
package logger

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SandboxLogger provides dedicated logging for container lifecycle events.
type SandboxLogger struct {
	*logrus.Entry
}

// NewSandboxLogger creates a new sandbox logger.
func NewSandboxLogger(baseLogger *logrus.Logger) *SandboxLogger {
	return &SandboxLogger{
		Entry: baseLogger.WithField("component", "sandbox"),
	}
}

// LogContainerStarted logs a sandbox container entering execution.
func (sl *SandboxLogger) LogContainerStarted(jobID uuid.UUID, containerID, image string, cpuLimit float64, memoryLimitMB int64) {
	sl.WithFields(logrus.Fields{
		"job_id":          jobID.String(),
		"container_id":    containerID,
		"image":           image,
		"cpu_limit":       cpuLimit,
		"memory_limit_mb": memoryLimitMB,
	}).Info("Sandbox container started")
}

// LogContainerExited logs a sandbox container finishing on its own.
func (sl *SandboxLogger) LogContainerExited(jobID uuid.UUID, containerID string, exitCode int64, durationMs int64) {
	sl.WithFields(logrus.Fields{
		"job_id":       jobID.String(),
		"container_id": containerID,
		"exit_code":    exitCode,
		"duration_ms":  durationMs,
	}).Info("Sandbox container exited")
}

// LogContainerKilled logs a forced termination (timeout or cancellation).
func (sl *SandboxLogger) LogContainerKilled(jobID uuid.UUID, containerID, reason string, graceSeconds int) {
	sl.WithFields(logrus.Fields{
		"job_id":        jobID.String(),
		"container_id":  containerID,
		"reason":        reason,
		"grace_seconds": graceSeconds,
	}).Warn("Sandbox container killed")
}

// LogLaunchFailed logs a sandbox that never started.
func (sl *SandboxLogger) LogLaunchFailed(jobID uuid.UUID, image string, err error) {
	sl.WithFields(logrus.Fields{
		"job_id": jobID.String(),
		"image":  image,
	}).WithError(err).Error("Sandbox launch failed")
}

// LogOrphanReaped logs removal of a container left behind by a dead process.
func (sl *SandboxLogger) LogOrphanReaped(containerID string) {
	sl.WithField("container_id", containerID).Warn("Removed orphaned sandbox container")
}
