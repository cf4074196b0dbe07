// Package service implements the submission gateway's application core:
// request validation, enqueueing, result access rules, and cached queue
// statistics. It owns no execution state; everything durable lives in the
// job store and everything running belongs to the scheduler.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/logger"
	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/models"
	"github.com/yourusername/freqsearch/internal/repository"
)

const (
	dateLayout    = "20060102"
	maxBatchSize  = 100
	statsCacheKey = "queue_stats"

	sourceAPI = "api"
	sourceBus = "bus"
)

// Canceller requests cancellation of a job. The scheduler implements it;
// the service stays decoupled from dispatch internals.
type Canceller interface {
	Cancel(ctx context.Context, jobID uuid.UUID) error
}

// SubmitRequest carries one backtest submission.
type SubmitRequest struct {
	StrategyID        uuid.UUID             `json:"strategy_id"`
	Config            models.BacktestConfig `json:"config"`
	Priority          int                   `json:"priority"`
	OptimizationRunID *uuid.UUID            `json:"optimization_run_id,omitempty"`
}

// BatchItemResult reports the outcome of one entry in a batch submission,
// in the order the entries were submitted.
type BatchItemResult struct {
	Index int        `json:"index"`
	JobID *uuid.UUID `json:"job_id,omitempty"`
	Error string     `json:"error,omitempty"`
}

// BacktestService is the gateway-facing application service.
type BacktestService struct {
	repo       repository.JobRepository
	canceller  Canceller
	validator  *config.CustomValidator
	statsCache *cache.Cache
	statsTTL   time.Duration
	jobLog     *logger.JobLogger
}

// NewBacktestService creates the gateway service.
func NewBacktestService(cfg *config.Config, repo repository.JobRepository, canceller Canceller, baseLogger *logrus.Logger) *BacktestService {
	ttl := time.Duration(cfg.API.StatsCacheTTLSeconds) * time.Second
	return &BacktestService{
		repo:       repo,
		canceller:  canceller,
		validator:  config.NewValidator(),
		statsCache: cache.New(ttl, 2*ttl),
		statsTTL:   ttl,
		jobLog:     logger.NewJobLogger(baseLogger),
	}
}

// Submit validates one request and enqueues a PENDING job.
func (s *BacktestService) Submit(ctx context.Context, req *SubmitRequest) (*models.BacktestJob, error) {
	return s.submit(ctx, req, sourceAPI)
}

// SubmitFromBus enqueues a job created from a bus message. Identical to
// Submit apart from the submission source recorded on metrics and logs.
func (s *BacktestService) SubmitFromBus(ctx context.Context, req *SubmitRequest) (*models.BacktestJob, error) {
	return s.submit(ctx, req, sourceBus)
}

func (s *BacktestService) submit(ctx context.Context, req *SubmitRequest, source string) (*models.BacktestJob, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	job := models.NewBacktestJob(req.StrategyID, req.Config, req.Priority, req.OptimizationRunID)
	if err := s.repo.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.RecordJobSubmitted(source)
	s.jobLog.LogEnqueued(job.ID, job.StrategyID, job.Priority, source)
	return job, nil
}

// SubmitBatch validates and enqueues a list of submissions, preserving
// submission order. Each entry succeeds or fails independently.
func (s *BacktestService) SubmitBatch(ctx context.Context, reqs []*SubmitRequest) ([]BatchItemResult, error) {
	if len(reqs) == 0 {
		return nil, models.NewValidationError("batch", "at least one submission is required")
	}
	if len(reqs) > maxBatchSize {
		return nil, models.NewValidationError("batch", fmt.Sprintf("at most %d submissions per batch", maxBatchSize))
	}

	results := make([]BatchItemResult, len(reqs))
	for i, req := range reqs {
		results[i].Index = i
		job, err := s.submit(ctx, req, sourceAPI)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}
		id := job.ID
		results[i].JobID = &id
	}
	return results, nil
}

// GetJob returns the current state of a job.
func (s *BacktestService) GetJob(ctx context.Context, jobID uuid.UUID) (*models.BacktestJob, error) {
	return s.repo.GetByID(ctx, jobID)
}

// GetResult returns the attached result of a completed job.
func (s *BacktestService) GetResult(ctx context.Context, jobID uuid.UUID) (*models.BacktestResult, error) {
	return s.repo.GetResultByJobID(ctx, jobID)
}

// Query returns a filtered, ordered page of jobs plus the total match count.
func (s *BacktestService) Query(ctx context.Context, q *models.BacktestResultQuery) ([]*models.BacktestJob, int, error) {
	q.SetDefaults()
	switch q.OrderBy {
	case models.OrderByCreatedAt, models.OrderByProfit, models.OrderBySharpe:
	default:
		return nil, 0, models.NewValidationError("order_by", fmt.Sprintf("unknown sort column %q", q.OrderBy))
	}
	return s.repo.Query(ctx, q)
}

// Cancel requests cancellation of a job.
func (s *BacktestService) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if s.canceller == nil {
		return fmt.Errorf("cancellation is not available: no scheduler attached")
	}
	return s.canceller.Cancel(ctx, jobID)
}

// Stats returns queue statistics, cached briefly to keep dashboard polling
// off the store.
func (s *BacktestService) Stats(ctx context.Context) (*models.QueueStats, error) {
	if s.statsTTL > 0 {
		if cached, found := s.statsCache.Get(statsCacheKey); found {
			return cached.(*models.QueueStats), nil
		}
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	if s.statsTTL > 0 {
		s.statsCache.Set(statsCacheKey, stats, s.statsTTL)
	}
	return stats, nil
}

func (s *BacktestService) validateRequest(req *SubmitRequest) error {
	if req == nil {
		return models.NewValidationError("", "request body is required")
	}
	if req.StrategyID == uuid.Nil {
		return models.NewValidationError("strategy_id", "is required")
	}
	if req.Priority < 0 {
		return models.NewValidationError("priority", "must not be negative")
	}
	if err := s.validator.ValidateStruct(&req.Config); err != nil {
		return models.NewValidationError("config", err.Error())
	}
	return validateTimerange(&req.Config)
}

func validateTimerange(cfg *models.BacktestConfig) error {
	start, err := time.Parse(dateLayout, cfg.TimerangeStart)
	if err != nil {
		return models.NewValidationError("timerange_start", "must be a calendar date in YYYYMMDD form")
	}
	end, err := time.Parse(dateLayout, cfg.TimerangeEnd)
	if err != nil {
		return models.NewValidationError("timerange_end", "must be a calendar date in YYYYMMDD form")
	}
	if !start.Before(end) {
		return models.NewValidationError("timerange", "start must precede end")
	}
	return nil
}
