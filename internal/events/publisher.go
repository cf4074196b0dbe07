package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/metrics"
	"github.com/yourusername/freqsearch/internal/models"
)

const (
	// EventField is the field name for the serialized event payload.
	EventField = "event"

	// PublishedAtField is the field name for the publish timestamp.
	PublishedAtField = "published_at"

	// publishTimeout bounds a single publish round-trip.
	publishTimeout = 10 * time.Second

	// sweepBatchSize caps how many unacknowledged terminal jobs one
	// recovery sweep republishes.
	sweepBatchSize = 100

	// kickBuffer sizes the in-process nudge channel. A dropped nudge is
	// harmless: the recovery sweep picks the job up.
	kickBuffer = 256
)

// CompletedEvent is the payload published for successfully completed jobs.
type CompletedEvent struct {
	JobID             uuid.UUID  `json:"job_id"`
	StrategyID        uuid.UUID  `json:"strategy_id"`
	OptimizationRunID *uuid.UUID `json:"optimization_run_id,omitempty"`
	Status            string     `json:"status"`
	TotalTrades       int        `json:"total_trades"`
	WinRate           float64    `json:"win_rate"`
	ProfitPct         float64    `json:"profit_pct"`
	MaxDrawdownPct    float64    `json:"max_drawdown_pct"`
	SharpeRatio       *float64   `json:"sharpe_ratio,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// FailedEvent is the payload published for failed and cancelled jobs.
type FailedEvent struct {
	JobID             uuid.UUID  `json:"job_id"`
	StrategyID        uuid.UUID  `json:"strategy_id"`
	OptimizationRunID *uuid.UUID `json:"optimization_run_id,omitempty"`
	Status            string     `json:"status"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	RetryCount        int        `json:"retry_count"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// outboxStore is the slice of the job store the publisher needs: terminal
// rows and their delivery acknowledgment.
type outboxStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.BacktestJob, error)
	GetResultByJobID(ctx context.Context, id uuid.UUID) (*models.BacktestResult, error)
	UnpublishedTerminal(ctx context.Context, limit int) ([]*models.BacktestJob, error)
	MarkEventPublished(ctx context.Context, id uuid.UUID) error
}

// Publisher delivers exactly one terminal event per job. Workers nudge it
// after each terminal transition; a recovery sweep republishes any terminal
// row whose delivery was never acknowledged, so a crash between transition
// and publish loses nothing.
type Publisher struct {
	streams *StreamsClient
	store   outboxStore
	cfg     *config.RedisConfig
	log     *logrus.Entry

	kick chan uuid.UUID
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPublisher creates a terminal event publisher.
func NewPublisher(streams *StreamsClient, store outboxStore, cfg *config.RedisConfig, baseLogger *logrus.Logger) *Publisher {
	return &Publisher{
		streams: streams,
		store:   store,
		cfg:     cfg,
		log:     baseLogger.WithField("component", "events"),
		kick:    make(chan uuid.UUID, kickBuffer),
		done:    make(chan struct{}),
	}
}

// NotifyTerminal nudges the publisher about a freshly terminal job. It never
// blocks the calling worker; an overflowing nudge falls through to the sweep.
func (p *Publisher) NotifyTerminal(jobID uuid.UUID) {
	select {
	case p.kick <- jobID:
	default:
	}
}

// Start launches the background publish loop.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the publish loop and waits for it to drain.
func (p *Publisher) Stop() {
	close(p.done)
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case jobID := <-p.kick:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := p.publishByID(ctx, jobID); err != nil {
				p.log.WithError(err).WithField("job_id", jobID.String()).
					Warn("Failed to publish terminal event, sweep will retry")
			}
			cancel()
		}
	}
}

func (p *Publisher) publishByID(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job for publishing: %w", err)
	}
	return p.PublishJob(ctx, job)
}

// PublishJob emits the terminal event for a job and acknowledges delivery in
// the store. A lost acknowledgment race means another publisher already won;
// the resulting duplicate on the stream is deduplicated downstream by job_id.
func (p *Publisher) PublishJob(ctx context.Context, job *models.BacktestJob) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is not terminal (status %s)", job.ID, job.Status)
	}

	stream, payload, err := p.buildEvent(ctx, job)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	values := map[string]any{
		EventField:       string(encoded),
		PublishedAtField: time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := p.streams.XAdd(ctx, stream, values); err != nil {
		metrics.RecordEventPublishFailure()
		return fmt.Errorf("failed to publish event to stream %s: %w", stream, err)
	}
	metrics.RecordEventPublished(stream)

	if err := p.store.MarkEventPublished(ctx, job.ID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			p.log.WithField("job_id", job.ID.String()).
				Debug("Terminal event already acknowledged by another publisher")
			return nil
		}
		return fmt.Errorf("failed to acknowledge event delivery: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"job_id": job.ID.String(),
		"status": job.Status.String(),
		"stream": stream,
	}).Info("Terminal event published")
	return nil
}

// Sweep republishes terminal jobs whose event delivery was never
// acknowledged. Called at startup and on a cron cadence.
func (p *Publisher) Sweep(ctx context.Context) (int, error) {
	jobs, err := p.store.UnpublishedTerminal(ctx, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpublished terminal jobs: %w", err)
	}

	published := 0
	for _, job := range jobs {
		if err := p.PublishJob(ctx, job); err != nil {
			p.log.WithError(err).WithField("job_id", job.ID.String()).
				Warn("Sweep failed to republish terminal event")
			continue
		}
		published++
	}

	if published > 0 {
		metrics.RecordEventSweepRecovered(published)
		p.log.WithField("republished", published).Info("Recovery sweep republished terminal events")
	}
	return published, nil
}

func (p *Publisher) buildEvent(ctx context.Context, job *models.BacktestJob) (string, any, error) {
	if job.Status == models.JobStatusCompleted {
		result := job.Result
		if result == nil {
			var err error
			result, err = p.store.GetResultByJobID(ctx, job.ID)
			if err != nil {
				return "", nil, fmt.Errorf("failed to load result for completed job: %w", err)
			}
		}
		return p.cfg.CompletedStream, &CompletedEvent{
			JobID:             job.ID,
			StrategyID:        job.StrategyID,
			OptimizationRunID: job.OptimizationRunID,
			Status:            job.Status.String(),
			TotalTrades:       result.TotalTrades,
			WinRate:           result.WinRate,
			ProfitPct:         result.ProfitPct,
			MaxDrawdownPct:    result.MaxDrawdownPct,
			SharpeRatio:       result.SharpeRatio,
			CompletedAt:       job.CompletedAt,
		}, nil
	}

	event := &FailedEvent{
		JobID:             job.ID,
		StrategyID:        job.StrategyID,
		OptimizationRunID: job.OptimizationRunID,
		Status:            job.Status.String(),
		RetryCount:        job.RetryCount,
		CompletedAt:       job.CompletedAt,
	}
	if job.ErrorMessage != nil {
		event.ErrorMessage = *job.ErrorMessage
	}
	return p.cfg.FailedStream, event, nil
}
