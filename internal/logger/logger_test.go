package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() (*logrus.Logger, *bytes.Buffer) {
	log := logrus.New()
	buf := &bytes.Buffer{}
	log.SetOutput(buf)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.DebugLevel)
	return log, buf
}

func parseLogOutput(buf *bytes.Buffer) map[string]interface{} {
	var logEntry map[string]interface{}
	err := json.Unmarshal(buf.Bytes(), &logEntry)
	if err != nil {
		return nil
	}
	return logEntry
}

func TestNewLoggerInvalidLevelDefaultsToInfo(t *testing.T) {
	log := NewLogger("chatty", "development")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewLoggerProductionUsesJSON(t *testing.T) {
	log := NewLogger("debug", "production")
	_, ok := log.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "production logger should use JSON formatter")
}

func TestJobLoggerDispatched(t *testing.T) {
	log, buf := setupTestLogger()
	jobLogger := NewJobLogger(log)

	jobID := uuid.New()
	jobLogger.LogDispatched(jobID, 5, 0, 3)

	logEntry := parseLogOutput(buf)
	require.NotNil(t, logEntry)
	assert.Equal(t, jobID.String(), logEntry["job_id"])
	assert.Equal(t, "scheduler", logEntry["component"])
	assert.Equal(t, float64(3), logEntry["free_slots"])
}

func TestJobLoggerRetryScheduled(t *testing.T) {
	log, buf := setupTestLogger()
	jobLogger := NewJobLogger(log)

	jobLogger.LogRetryScheduled(uuid.New(), 1, 3, "timed_out", 60)

	logEntry := parseLogOutput(buf)
	require.NotNil(t, logEntry)
	assert.Equal(t, "timed_out", logEntry["reason"])
	assert.Equal(t, "warning", logEntry["level"])
}

func TestJobLoggerTerminalOmitsEmptyError(t *testing.T) {
	log, buf := setupTestLogger()
	jobLogger := NewJobLogger(log)

	jobLogger.LogTerminal(uuid.New(), "completed", 0, 1500, "")

	logEntry := parseLogOutput(buf)
	require.NotNil(t, logEntry)
	assert.Equal(t, "completed", logEntry["status"])
	_, present := logEntry["error_message"]
	assert.False(t, present, "empty error message should be omitted")
}

func TestJobLoggerOrphansRequeuedSilentOnZero(t *testing.T) {
	log, buf := setupTestLogger()
	jobLogger := NewJobLogger(log)

	jobLogger.LogOrphansRequeued(0)
	assert.Empty(t, buf.Bytes(), "zero orphans should not log")

	jobLogger.LogOrphansRequeued(2)
	logEntry := parseLogOutput(buf)
	require.NotNil(t, logEntry)
	assert.Equal(t, float64(2), logEntry["requeued"])
}

func TestSandboxLoggerStarted(t *testing.T) {
	log, buf := setupTestLogger()
	sandboxLogger := NewSandboxLogger(log)

	jobID := uuid.New()
	sandboxLogger.LogContainerStarted(jobID, "abc123", "freqsearch/sandbox:latest", 1.5, 2048)

	logEntry := parseLogOutput(buf)
	require.NotNil(t, logEntry)
	assert.Equal(t, "sandbox", logEntry["component"])
	assert.Equal(t, "abc123", logEntry["container_id"])
	assert.Equal(t, float64(2048), logEntry["memory_limit_mb"])
}

func TestSandboxLoggerLaunchFailed(t *testing.T) {
	log, buf := setupTestLogger()
	sandboxLogger := NewSandboxLogger(log)

	sandboxLogger.LogLaunchFailed(uuid.New(), "freqsearch/sandbox:latest", errors.New("engine unreachable"))

	logEntry := parseLogOutput(buf)
	require.NotNil(t, logEntry)
	assert.Equal(t, "engine unreachable", logEntry["error"])
	assert.Equal(t, "error", logEntry["level"])
}

func BenchmarkJobLoggerDispatched(b *testing.B) {
	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})
	jobLogger := NewJobLogger(log)
	jobID := uuid.New()

	for i := 0; i < b.N; i++ {
		jobLogger.LogDispatched(jobID, 5, 0, 3)
	}
}
