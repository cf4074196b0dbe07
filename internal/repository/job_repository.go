package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/yourusername/freqsearch/internal/database"
	"github.com/yourusername/freqsearch/internal/models"
)

const errScanJob = "failed to scan job: %w"

const jobColumns = `id, strategy_id, optimization_run_id, config, priority, status,
		container_id, error_message, retry_count, next_attempt_at, created_at, started_at, completed_at`

// PostgresJobRepository implements JobRepository for PostgreSQL
type PostgresJobRepository struct {
	db *database.DB
}

// NewPostgresJobRepository creates a new job repository
func NewPostgresJobRepository(db *database.DB) JobRepository {
	return &PostgresJobRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.BacktestJob, error) {
	job := &models.BacktestJob{}
	var configRaw []byte
	if err := row.Scan(
		&job.ID, &job.StrategyID, &job.OptimizationRunID, &configRaw, &job.Priority, &job.Status,
		&job.ContainerID, &job.ErrorMessage, &job.RetryCount, &job.NextAttemptAt,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configRaw, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	return job, nil
}

func scanJobWithResult(row rowScanner) (*models.BacktestJob, error) {
	job := &models.BacktestJob{}
	var configRaw, resultRaw []byte
	if err := row.Scan(
		&job.ID, &job.StrategyID, &job.OptimizationRunID, &configRaw, &job.Priority, &job.Status,
		&job.ContainerID, &job.ErrorMessage, &job.RetryCount, &job.NextAttemptAt,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &resultRaw,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configRaw, &job.Config); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	if len(resultRaw) > 0 {
		job.Result = &models.BacktestResult{}
		if err := json.Unmarshal(resultRaw, job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
	}
	return job, nil
}

// Enqueue persists a new pending job
func (r *PostgresJobRepository) Enqueue(ctx context.Context, job *models.BacktestJob) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if job.StrategyID == uuid.Nil {
		return models.NewValidationError("strategy_id", "is required")
	}
	if len(job.Config.Pairs) == 0 {
		return models.NewValidationError("config.pairs", "at least one trading pair is required")
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.CreatedAt
	}
	job.Status = models.JobStatusPending

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	query := `
		INSERT INTO backtest_jobs (
			id, strategy_id, optimization_run_id, config, priority, status,
			retry_count, next_attempt_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.GetPool().Exec(ctx, query,
		job.ID, job.StrategyID, job.OptimizationRunID, configJSON, job.Priority, job.Status,
		job.RetryCount, job.NextAttemptAt, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID without its result document
func (r *PostgresJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BacktestJob, error) {
	query := `SELECT ` + jobColumns + ` FROM backtest_jobs WHERE id = $1`

	job, err := scanJob(r.db.GetPool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf(errScanJob, err)
	}
	return job, nil
}

// DequeueCandidates retrieves pending jobs eligible to run now, highest
// priority first, oldest first within a priority
func (r *PostgresJobRepository) DequeueCandidates(ctx context.Context, limit int) ([]*models.BacktestJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM backtest_jobs
		WHERE status = $1 AND next_attempt_at <= now()
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`
	rows, err := r.db.GetPool().Query(ctx, query, models.JobStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dequeue candidates: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BacktestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf(errScanJob, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// TransitionState moves a job between statuses with a compare-and-swap
func (r *PostgresJobRepository) TransitionState(ctx context.Context, id uuid.UUID, from, to models.JobStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("illegal transition from %s to %s", from, to)
	}

	var query string
	switch {
	case to == models.JobStatusRunning:
		query = `UPDATE backtest_jobs SET status = $3, started_at = now() WHERE id = $1 AND status = $2`
	case to == models.JobStatusPending:
		query = `UPDATE backtest_jobs SET status = $3, started_at = NULL, container_id = NULL WHERE id = $1 AND status = $2`
	default:
		query = `UPDATE backtest_jobs SET status = $3, completed_at = now() WHERE id = $1 AND status = $2`
	}

	tag, err := r.db.GetPool().Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictFor(ctx, id, from)
	}
	return nil
}

// MarkCompleted attaches the result document and run log while
// transitioning RUNNING to COMPLETED in a single statement
func (r *PostgresJobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result *models.BacktestResult, rawLog []byte) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	query := `
		UPDATE backtest_jobs
		SET status = $3, completed_at = now(), result = $4, raw_log = $5, error_message = NULL
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.GetPool().Exec(ctx, query,
		id, models.JobStatusRunning, models.JobStatusCompleted, resultJSON, rawLog,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictFor(ctx, id, models.JobStatusRunning)
	}
	return nil
}

// MarkFailed transitions RUNNING to FAILED with a diagnostic message
func (r *PostgresJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE backtest_jobs
		SET status = $3, completed_at = now(), error_message = $4
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.GetPool().Exec(ctx, query,
		id, models.JobStatusRunning, models.JobStatusFailed, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictFor(ctx, id, models.JobStatusRunning)
	}
	return nil
}

// RequeueForRetry returns a RUNNING job to PENDING after a transient
// failure, incrementing retry_count and deferring the next attempt
func (r *PostgresJobRepository) RequeueForRetry(ctx context.Context, id uuid.UUID, errorMessage string, nextAttemptAt time.Time) error {
	query := `
		UPDATE backtest_jobs
		SET status = $3, retry_count = retry_count + 1, next_attempt_at = $4,
			error_message = $5, started_at = NULL, container_id = NULL
		WHERE id = $1 AND status = $2
	`
	tag, err := r.db.GetPool().Exec(ctx, query,
		id, models.JobStatusRunning, models.JobStatusPending, nextAttemptAt, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictFor(ctx, id, models.JobStatusRunning)
	}
	return nil
}

// RequeueOrphans resets every RUNNING job to PENDING. Orphans are jobs a
// previous process left mid-flight; requeueing does not count as a retry.
func (r *PostgresJobRepository) RequeueOrphans(ctx context.Context) (int, error) {
	query := `
		UPDATE backtest_jobs
		SET status = $2, started_at = NULL, container_id = NULL
		WHERE status = $1
	`
	tag, err := r.db.GetPool().Exec(ctx, query, models.JobStatusRunning, models.JobStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetContainerID records the sandbox container backing a running job
func (r *PostgresJobRepository) SetContainerID(ctx context.Context, id uuid.UUID, containerID string) error {
	query := `UPDATE backtest_jobs SET container_id = $2 WHERE id = $1`
	_, err := r.db.GetPool().Exec(ctx, query, id, containerID)
	if err != nil {
		return fmt.Errorf("failed to set container id for job %s: %w", id, err)
	}
	return nil
}

// GetResultByJobID retrieves the result document for a completed job
func (r *PostgresJobRepository) GetResultByJobID(ctx context.Context, id uuid.UUID) (*models.BacktestResult, error) {
	query := `SELECT status, result FROM backtest_jobs WHERE id = $1`

	var status models.JobStatus
	var resultRaw []byte
	err := r.db.GetPool().QueryRow(ctx, query, id).Scan(&status, &resultRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query result: %w", err)
	}
	if status != models.JobStatusCompleted || len(resultRaw) == 0 {
		return nil, fmt.Errorf("job %s is %s: %w", id, status, models.ErrNotYetAvailable)
	}

	result := &models.BacktestResult{}
	if err := json.Unmarshal(resultRaw, result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return result, nil
}

// Query retrieves a filtered, ordered page of jobs with their results
func (r *PostgresJobRepository) Query(ctx context.Context, q *models.BacktestResultQuery) ([]*models.BacktestJob, int, error) {
	q.SetDefaults()

	var conditions []string
	var args []interface{}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if q.StrategyID != nil {
		add("strategy_id = $%d", *q.StrategyID)
	}
	if q.OptimizationRunID != nil {
		add("optimization_run_id = $%d", *q.OptimizationRunID)
	}
	if q.Status != nil {
		add("status = $%d", *q.Status)
	}
	if q.MinSharpe != nil {
		add("(result->>'sharpe_ratio')::float8 >= $%d", *q.MinSharpe)
	}
	if q.MinProfitPct != nil {
		add("(result->>'profit_pct')::float8 >= $%d", *q.MinProfitPct)
	}
	if q.MaxDrawdownPct != nil {
		add("(result->>'max_drawdown_pct')::float8 <= $%d", *q.MaxDrawdownPct)
	}
	if q.MinTrades != nil {
		add("(result->>'total_trades')::int >= $%d", *q.MinTrades)
	}
	if q.CreatedAfter != nil {
		add("created_at >= $%d", *q.CreatedAfter)
	}
	if q.CreatedBefore != nil {
		add("created_at <= $%d", *q.CreatedBefore)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM backtest_jobs` + where
	if err := r.db.GetPool().QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	pageQuery := `SELECT ` + jobColumns + `, result FROM backtest_jobs` + where + orderClause(q) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, q.PageSize, q.Offset())

	rows, err := r.db.GetPool().Query(ctx, pageQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BacktestJob
	for rows.Next() {
		job, err := scanJobWithResult(rows)
		if err != nil {
			return nil, 0, fmt.Errorf(errScanJob, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

func orderClause(q *models.BacktestResultQuery) string {
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	switch q.OrderBy {
	case models.OrderByProfit:
		return fmt.Sprintf(" ORDER BY (result->>'profit_pct')::float8 %s NULLS LAST, created_at DESC", dir)
	case models.OrderBySharpe:
		return fmt.Sprintf(" ORDER BY (result->>'sharpe_ratio')::float8 %s NULLS LAST, created_at DESC", dir)
	default:
		return fmt.Sprintf(" ORDER BY created_at %s", dir)
	}
}

// Stats aggregates current queue depth and today's throughput
func (r *PostgresJobRepository) Stats(ctx context.Context) (*models.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= date_trunc('day', now())),
			COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= date_trunc('day', now())),
			COALESCE(EXTRACT(EPOCH FROM AVG(started_at - created_at)
				FILTER (WHERE started_at >= date_trunc('day', now()))) * 1000, 0)::float8,
			COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - started_at)
				FILTER (WHERE status = 'completed' AND completed_at >= date_trunc('day', now()))) * 1000, 0)::float8
		FROM backtest_jobs
	`
	stats := &models.QueueStats{}
	var avgWaitMs, avgRunMs float64
	err := r.db.GetPool().QueryRow(ctx, query).Scan(
		&stats.PendingJobs, &stats.RunningJobs, &stats.CompletedToday, &stats.FailedToday,
		&avgWaitMs, &avgRunMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	stats.AvgWaitTimeMs = int64(math.Round(avgWaitMs))
	stats.AvgRunTimeMs = int64(math.Round(avgRunMs))
	return stats, nil
}

// UnpublishedTerminal retrieves terminal jobs whose completion event has
// not been delivered yet, oldest first
func (r *PostgresJobRepository) UnpublishedTerminal(ctx context.Context, limit int) ([]*models.BacktestJob, error) {
	query := `
		SELECT ` + jobColumns + `, result
		FROM backtest_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND event_published_at IS NULL
		ORDER BY completed_at ASC
		LIMIT $1
	`
	rows, err := r.db.GetPool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BacktestJob
	for rows.Next() {
		job, err := scanJobWithResult(rows)
		if err != nil {
			return nil, fmt.Errorf(errScanJob, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkEventPublished records event delivery for a job exactly once
func (r *PostgresJobRepository) MarkEventPublished(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE backtest_jobs SET event_published_at = now() WHERE id = $1 AND event_published_at IS NULL`
	tag, err := r.db.GetPool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark event published for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event for job %s already published: %w", id, models.ErrConflict)
	}
	return nil
}

// conflictFor reports why a compare-and-swap update matched no rows
func (r *PostgresJobRepository) conflictFor(ctx context.Context, id uuid.UUID, expected models.JobStatus) error {
	var actual models.JobStatus
	err := r.db.GetPool().QueryRow(ctx, `SELECT status FROM backtest_jobs WHERE id = $1`, id).Scan(&actual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return &models.ConflictError{JobID: id, Expected: expected, Actual: actual}
}
