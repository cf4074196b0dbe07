package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/yourusername/freqsearch/internal/models"
)

// JobRepository defines the interface for backtest job data access.
//
// Every state-changing method is a compare-and-swap: it asserts the
// current status in the WHERE clause and returns ConflictError when the
// row has already moved on, so a racing scheduler, worker, and
// cancellation can never double-apply a transition.
type JobRepository interface {
	// Enqueue persists a new pending job. Structurally invalid jobs are
	// rejected with ValidationError before anything is written.
	Enqueue(ctx context.Context, job *models.BacktestJob) error

	// GetByID returns a job without its result document, or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.BacktestJob, error)

	// DequeueCandidates returns pending jobs eligible to run now, highest
	// priority first, oldest first within a priority.
	DequeueCandidates(ctx context.Context, limit int) ([]*models.BacktestJob, error)

	// TransitionState moves a job from one status to another, maintaining
	// started_at and completed_at as the status demands.
	TransitionState(ctx context.Context, id uuid.UUID, from, to models.JobStatus) error

	// MarkCompleted atomically transitions RUNNING to COMPLETED and
	// attaches the parsed result document plus the compressed run log.
	MarkCompleted(ctx context.Context, id uuid.UUID, result *models.BacktestResult, rawLog []byte) error

	// MarkFailed transitions RUNNING to FAILED with a diagnostic message.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	// RequeueForRetry transitions RUNNING back to PENDING after a
	// transient failure, incrementing retry_count and deferring the next
	// attempt until nextAttemptAt.
	RequeueForRetry(ctx context.Context, id uuid.UUID, errorMessage string, nextAttemptAt time.Time) error

	// RequeueOrphans resets every RUNNING job to PENDING without touching
	// retry_count. Called once at startup before the scheduler polls.
	RequeueOrphans(ctx context.Context) (int, error)

	// SetContainerID records the sandbox container backing a running job.
	SetContainerID(ctx context.Context, id uuid.UUID, containerID string) error

	// GetResultByJobID returns the result document for a completed job,
	// ErrNotFound for an unknown job, or ErrNotYetAvailable when the job
	// exists but has not completed successfully.
	GetResultByJobID(ctx context.Context, id uuid.UUID) (*models.BacktestResult, error)

	// Query returns a filtered, ordered page of jobs with their result
	// documents attached where present, plus the total match count.
	Query(ctx context.Context, query *models.BacktestResultQuery) ([]*models.BacktestJob, int, error)

	// Stats aggregates current queue depth and today's throughput.
	Stats(ctx context.Context) (*models.QueueStats, error)

	// UnpublishedTerminal returns terminal jobs whose completion event has
	// not been delivered yet, oldest first.
	UnpublishedTerminal(ctx context.Context, limit int) ([]*models.BacktestJob, error)

	// MarkEventPublished records event delivery exactly once; a second
	// call for the same job returns ErrConflict.
	MarkEventPublished(ctx context.Context, id uuid.UUID) error
}
