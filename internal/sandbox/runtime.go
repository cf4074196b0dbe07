// Package sandbox provides isolated, resource-bounded execution of
// generated strategy code, one container per backtest job.
package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Paths inside the sandbox container. The per-job workspace carries the
// generated engine config in and the result artifact out; market data and
// strategy sources are mounted read-only.
const (
	containerJobDir        = "/job"
	containerDataDir       = "/freqtrade/user_data/data"
	containerStrategiesDir = "/freqtrade/user_data/strategies"
	configFileName         = "config.json"
	resultFileName         = "result.json"
)

// Container labels used to find orphaned sandboxes after a crash.
const (
	labelComponent = "freqsearch.component"
	labelJobID     = "freqsearch.job_id"
	componentValue = "backtest-sandbox"
)

// OutcomeKind classifies how a started sandbox finished.
type OutcomeKind string

const (
	// OutcomeExited means the sandboxed process finished on its own.
	OutcomeExited OutcomeKind = "exited"
	// OutcomeTimedOut means the deadline fired and the sandbox was killed.
	OutcomeTimedOut OutcomeKind = "timed_out"
)

// Outcome is the terminal report of one sandbox execution. A launch that
// never reaches Started is reported as an error from Start instead.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int64
	// Log is the bounded tail of the combined stdout/stderr, captured
	// regardless of outcome.
	Log []byte
}

// ExecSpec describes one sandboxed backtest execution. Image, mounts, and
// resource ceilings come from the runtime's base configuration; ExecSpec
// carries only the per-job parts.
type ExecSpec struct {
	JobID        uuid.UUID
	StrategyName string
	Timerange    string
	WorkspaceDir string
	// Deadline bounds wall-clock execution; zero means unbounded.
	Deadline time.Duration
}

// Handle represents one live sandbox execution.
type Handle interface {
	// ID returns the backing container identifier.
	ID() string

	// Wait blocks until the sandbox exits or the deadline fires.
	Wait(ctx context.Context) (*Outcome, error)

	// Stop terminates the sandbox: graceful signal, then kill after grace.
	Stop(ctx context.Context, grace time.Duration) error

	// Cleanup removes the sandbox's runtime resources.
	Cleanup(ctx context.Context) error
}

// Runtime launches sandboxed backtest executions.
type Runtime interface {
	Start(ctx context.Context, spec *ExecSpec) (Handle, error)

	// ReapOrphans removes sandbox containers left behind by a previous
	// process. Called once at startup, before anything is dispatched.
	ReapOrphans(ctx context.Context) (int, error)

	// ReapStopped removes sandbox containers that already exited. Safe
	// while executions are live, so the maintenance loop uses it to clear
	// containers whose per-job cleanup failed.
	ReapStopped(ctx context.Context) (int, error)

	// Ping verifies the execution engine is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// StrategyClassName is the deterministic engine-facing class name for a
// strategy. Staged strategy files use the same name, so the engine can
// resolve the class from the read-only strategies mount.
func StrategyClassName(strategyID uuid.UUID) string {
	return "Strategy" + strings.ToUpper(strings.ReplaceAll(strategyID.String(), "-", "")[:12])
}
