package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StubExecution scripts the behavior of one stub sandbox run.
type StubExecution struct {
	// StartErr, when set, makes Start fail as a launch failure.
	StartErr error
	// ExitCode is reported once RunFor elapses.
	ExitCode int64
	// RunFor is how long the sandbox appears to execute.
	RunFor time.Duration
	// Hang makes the sandbox never exit on its own, so the deadline or a
	// Stop call decides the outcome.
	Hang bool
	// Log is returned as the captured combined output.
	Log []byte
	// ResultJSON, when set, is written to the workspace as the result
	// artifact before the run reports its exit.
	ResultJSON []byte
}

// StubScript decides the execution behavior for each started job.
type StubScript func(spec *ExecSpec) StubExecution

// StubRuntime is a deterministic in-process Runtime. It backs the
// `driver: stub` development mode and every scheduler test that must not
// depend on a container engine.
type StubRuntime struct {
	mu      sync.Mutex
	script  StubScript
	started int
}

// NewStubRuntime creates a stub runtime. A nil script yields instant
// successful runs with a plausible result artifact.
func NewStubRuntime(script StubScript) *StubRuntime {
	if script == nil {
		script = defaultStubScript
	}
	return &StubRuntime{script: script}
}

// Start scripts and launches one stub execution
func (r *StubRuntime) Start(_ context.Context, spec *ExecSpec) (Handle, error) {
	r.mu.Lock()
	exec := r.script(spec)
	if exec.StartErr != nil {
		r.mu.Unlock()
		return nil, exec.StartErr
	}
	r.started++
	r.mu.Unlock()

	return &stubHandle{
		id:     "stub-" + spec.JobID.String(),
		spec:   spec,
		exec:   exec,
		stopCh: make(chan struct{}),
	}, nil
}

// StartedCount reports how many sandboxes were actually launched
func (r *StubRuntime) StartedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// SetScript swaps the execution script
func (r *StubRuntime) SetScript(script StubScript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = script
}

// ReapOrphans is a no-op: stub sandboxes leave nothing behind
func (r *StubRuntime) ReapOrphans(context.Context) (int, error) {
	return 0, nil
}

// ReapStopped is a no-op: stub sandboxes leave nothing behind
func (r *StubRuntime) ReapStopped(context.Context) (int, error) {
	return 0, nil
}

// Ping always succeeds
func (r *StubRuntime) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (r *StubRuntime) Close() error {
	return nil
}

// Ensure StubRuntime implements Runtime
var _ Runtime = (*StubRuntime)(nil)

func defaultStubScript(*ExecSpec) StubExecution {
	return StubExecution{
		ExitCode:   0,
		Log:        []byte("backtesting finished\n"),
		ResultJSON: []byte(defaultStubResult),
	}
}

// defaultStubResult is a plausible artifact so the stub driver exercises
// the full collector path in development.
const defaultStubResult = `{
  "total_trades": 24,
  "winning_trades": 14,
  "losing_trades": 10,
  "win_rate": 0.5833,
  "profit_total": 86.42,
  "profit_pct": 8.64,
  "profit_factor": 1.62,
  "max_drawdown": 31.07,
  "max_drawdown_pct": 3.11,
  "sharpe_ratio": 1.21,
  "sortino_ratio": 1.74,
  "avg_trade_duration_minutes": 245.5,
  "pair_results": [
    {"pair": "BTC/USDT", "trades": 13, "profit_pct": 5.1, "win_rate": 0.62, "avg_duration_minutes": 230.0},
    {"pair": "ETH/USDT", "trades": 11, "profit_pct": 3.5, "win_rate": 0.55, "avg_duration_minutes": 263.8}
  ]
}`

type stubHandle struct {
	id       string
	spec     *ExecSpec
	exec     StubExecution
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (h *stubHandle) ID() string {
	return h.id
}

func (h *stubHandle) Wait(ctx context.Context) (*Outcome, error) {
	var deadlineCh <-chan time.Time
	if h.spec.Deadline > 0 {
		deadline := time.NewTimer(h.spec.Deadline)
		defer deadline.Stop()
		deadlineCh = deadline.C
	}

	var runDone <-chan time.Time
	if !h.exec.Hang {
		run := time.NewTimer(h.exec.RunFor)
		defer run.Stop()
		runDone = run.C
	}

	select {
	case <-runDone:
		if len(h.exec.ResultJSON) > 0 {
			path := filepath.Join(h.spec.WorkspaceDir, resultFileName)
			if err := os.WriteFile(path, h.exec.ResultJSON, 0o644); err != nil {
				return nil, err
			}
		}
		return &Outcome{Kind: OutcomeExited, ExitCode: h.exec.ExitCode, Log: h.exec.Log}, nil

	case <-deadlineCh:
		return &Outcome{Kind: OutcomeTimedOut, Log: h.exec.Log}, nil

	case <-h.stopCh:
		// A stopped container reports the engine's kill exit code.
		return &Outcome{Kind: OutcomeExited, ExitCode: 137, Log: h.exec.Log}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *stubHandle) Stop(context.Context, time.Duration) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	return nil
}

func (h *stubHandle) Cleanup(context.Context) error {
	return nil
}
