package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StakeUnlimited lets the sandboxed engine size stakes from the available wallet
const StakeUnlimited = "unlimited"

// BacktestJob is the durable record of one backtest execution request.
// It is owned by the job store and mutated only through state transitions.
type BacktestJob struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	StrategyID        uuid.UUID      `db:"strategy_id" json:"strategy_id"`
	OptimizationRunID *uuid.UUID     `db:"optimization_run_id" json:"optimization_run_id,omitempty"`
	Config            BacktestConfig `db:"config" json:"config"`
	Priority          int            `db:"priority" json:"priority"`
	Status            JobStatus      `db:"status" json:"status"`
	ContainerID       *string        `db:"container_id" json:"container_id,omitempty"`
	ErrorMessage      *string        `db:"error_message" json:"error_message,omitempty"`
	RetryCount        int            `db:"retry_count" json:"retry_count"`
	NextAttemptAt     time.Time      `db:"next_attempt_at" json:"-"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	StartedAt         *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time     `db:"completed_at" json:"completed_at,omitempty"`

	// Result is populated only by queries that join the result document,
	// never by plain job lookups.
	Result *BacktestResult `db:"result" json:"result,omitempty"`
}

// NewBacktestJob creates a pending job with a generated ID
func NewBacktestJob(strategyID uuid.UUID, config BacktestConfig, priority int, optRunID *uuid.UUID) *BacktestJob {
	now := time.Now().UTC()
	return &BacktestJob{
		ID:                uuid.New(),
		StrategyID:        strategyID,
		OptimizationRunID: optRunID,
		Config:            config,
		Priority:          priority,
		Status:            JobStatusPending,
		RetryCount:        0,
		NextAttemptAt:     now,
		CreatedAt:         now,
	}
}

// Duration returns how long the job has been executing, or how long it ran
func (j *BacktestJob) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// BacktestConfig is the immutable snapshot of what to run, supplied at
// submission and passed through to the sandboxed engine unchanged.
type BacktestConfig struct {
	Exchange          string                 `json:"exchange" validate:"required,min=2,max=64"`
	Pairs             []string               `json:"pairs" validate:"required,min=1,dive,trading_pair"`
	Timeframe         string                 `json:"timeframe" validate:"required,timeframe"`
	TimerangeStart    string                 `json:"timerange_start" validate:"required,len=8,numeric"`
	TimerangeEnd      string                 `json:"timerange_end" validate:"required,len=8,numeric"`
	DryRunWallet      float64                `json:"dry_run_wallet" validate:"gt=0"`
	MaxOpenTrades     int                    `json:"max_open_trades" validate:"gte=1"`
	StakeAmount       string                 `json:"stake_amount" validate:"required,stake_amount"`
	HyperoptOverrides map[string]interface{} `json:"hyperopt_overrides,omitempty"`
}

// Timerange returns the engine's timerange argument form, e.g. "20240101-20240301"
func (c *BacktestConfig) Timerange() string {
	return c.TimerangeStart + "-" + c.TimerangeEnd
}

// ParseStakeAmount returns the numeric stake, or ok=false for StakeUnlimited
func (c *BacktestConfig) ParseStakeAmount() (decimal.Decimal, bool, error) {
	if strings.EqualFold(c.StakeAmount, StakeUnlimited) {
		return decimal.Zero, false, nil
	}
	amount, err := decimal.NewFromString(c.StakeAmount)
	if err != nil {
		return decimal.Zero, false, err
	}
	return amount, true, nil
}

// BacktestResult holds the validated metrics parsed from a completed run
type BacktestResult struct {
	ID         uuid.UUID `db:"id" json:"id"`
	JobID      uuid.UUID `db:"job_id" json:"job_id"`
	StrategyID uuid.UUID `db:"strategy_id" json:"strategy_id"`

	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`

	ProfitTotal  float64  `json:"profit_total"`
	ProfitPct    float64  `json:"profit_pct"`
	ProfitFactor *float64 `json:"profit_factor,omitempty"`

	MaxDrawdown    float64  `json:"max_drawdown"`
	MaxDrawdownPct float64  `json:"max_drawdown_pct"`
	SharpeRatio    *float64 `json:"sharpe_ratio,omitempty"`
	SortinoRatio   *float64 `json:"sortino_ratio,omitempty"`
	CalmarRatio    *float64 `json:"calmar_ratio,omitempty"`

	AvgTradeDurationMinutes *float64 `json:"avg_trade_duration_minutes,omitempty"`
	AvgProfitPerTrade       *float64 `json:"avg_profit_per_trade,omitempty"`
	BestTradePct            *float64 `json:"best_trade_pct,omitempty"`
	WorstTradePct           *float64 `json:"worst_trade_pct,omitempty"`

	PairResults []PairResult `json:"pair_results,omitempty"`
	// RawLog is the gzip-compressed combined stdout/stderr of the run.
	// Stored in its own column, never serialized into the result document.
	RawLog []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// NewBacktestResult creates an empty result bound to a job
func NewBacktestResult(jobID, strategyID uuid.UUID) *BacktestResult {
	return &BacktestResult{
		ID:          uuid.New(),
		JobID:       jobID,
		StrategyID:  strategyID,
		PairResults: make([]PairResult, 0),
		CreatedAt:   time.Now().UTC(),
	}
}

// PairResult is the per-instrument slice of a backtest result
type PairResult struct {
	Pair               string  `json:"pair"`
	Trades             int     `json:"trades"`
	ProfitPct          float64 `json:"profit_pct"`
	WinRate            float64 `json:"win_rate"`
	AvgDurationMinutes float64 `json:"avg_duration_minutes"`
}

// BacktestResultQuery filters and pages completed-job queries
type BacktestResultQuery struct {
	StrategyID        *uuid.UUID `json:"strategy_id,omitempty"`
	OptimizationRunID *uuid.UUID `json:"optimization_run_id,omitempty"`
	Status            *JobStatus `json:"status,omitempty"`
	MinSharpe         *float64   `json:"min_sharpe,omitempty"`
	MinProfitPct      *float64   `json:"min_profit_pct,omitempty"`
	MaxDrawdownPct    *float64   `json:"max_drawdown_pct,omitempty"`
	MinTrades         *int       `json:"min_trades,omitempty"`
	CreatedAfter      *time.Time `json:"created_after,omitempty"`
	CreatedBefore     *time.Time `json:"created_before,omitempty"`
	OrderBy           string     `json:"order_by,omitempty"`
	Ascending         bool       `json:"ascending,omitempty"`
	Page              int        `json:"page"`
	PageSize          int        `json:"page_size"`
}

// Sortable columns accepted by BacktestResultQuery.OrderBy
const (
	OrderByCreatedAt = "created_at"
	OrderByProfit    = "profit"
	OrderBySharpe    = "sharpe"
)

// SetDefaults normalizes ordering and pagination
func (q *BacktestResultQuery) SetDefaults() {
	if q.OrderBy == "" {
		q.OrderBy = OrderByCreatedAt
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
}

// Offset returns the row offset for the current page
func (q *BacktestResultQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// QueueStats is a point-in-time aggregate of the job queue
type QueueStats struct {
	PendingJobs    int   `json:"pending_jobs"`
	RunningJobs    int   `json:"running_jobs"`
	CompletedToday int   `json:"completed_today"`
	FailedToday    int   `json:"failed_today"`
	AvgWaitTimeMs  int64 `json:"avg_wait_time_ms"`
	AvgRunTimeMs   int64 `json:"avg_run_time_ms"`
}
