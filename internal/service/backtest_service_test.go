package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/models"
)

// stubRepo records enqueued jobs and counts stats reads. The unused store
// methods satisfy the interface and are never reached by the service.
type stubRepo struct {
	enqueued   []*models.BacktestJob
	enqueueErr error
	statsCalls int
	results    map[uuid.UUID]*models.BacktestResult
}

func newStubRepo() *stubRepo {
	return &stubRepo{results: make(map[uuid.UUID]*models.BacktestResult)}
}

func (r *stubRepo) Enqueue(_ context.Context, job *models.BacktestJob) error {
	if r.enqueueErr != nil {
		return r.enqueueErr
	}
	r.enqueued = append(r.enqueued, job)
	return nil
}

func (r *stubRepo) GetByID(_ context.Context, id uuid.UUID) (*models.BacktestJob, error) {
	for _, job := range r.enqueued {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *stubRepo) GetResultByJobID(_ context.Context, id uuid.UUID) (*models.BacktestResult, error) {
	if result, ok := r.results[id]; ok {
		return result, nil
	}
	if _, err := r.GetByID(context.Background(), id); err != nil {
		return nil, err
	}
	return nil, models.ErrNotYetAvailable
}

func (r *stubRepo) Query(context.Context, *models.BacktestResultQuery) ([]*models.BacktestJob, int, error) {
	return nil, 0, nil
}

func (r *stubRepo) Stats(context.Context) (*models.QueueStats, error) {
	r.statsCalls++
	return &models.QueueStats{PendingJobs: len(r.enqueued)}, nil
}

func (r *stubRepo) DequeueCandidates(context.Context, int) ([]*models.BacktestJob, error) {
	return nil, nil
}
func (r *stubRepo) TransitionState(context.Context, uuid.UUID, models.JobStatus, models.JobStatus) error {
	return nil
}
func (r *stubRepo) MarkCompleted(context.Context, uuid.UUID, *models.BacktestResult, []byte) error {
	return nil
}
func (r *stubRepo) MarkFailed(context.Context, uuid.UUID, string) error           { return nil }
func (r *stubRepo) RequeueForRetry(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}
func (r *stubRepo) RequeueOrphans(context.Context) (int, error)                { return 0, nil }
func (r *stubRepo) SetContainerID(context.Context, uuid.UUID, string) error    { return nil }
func (r *stubRepo) UnpublishedTerminal(context.Context, int) ([]*models.BacktestJob, error) {
	return nil, nil
}
func (r *stubRepo) MarkEventPublished(context.Context, uuid.UUID) error { return nil }

type stubCanceller struct {
	cancelled []uuid.UUID
	err       error
}

func (c *stubCanceller) Cancel(_ context.Context, id uuid.UUID) error {
	if c.err != nil {
		return c.err
	}
	c.cancelled = append(c.cancelled, id)
	return nil
}

func newTestService(t *testing.T, repo *stubRepo, canceller Canceller) *BacktestService {
	t.Helper()
	cfg := &config.Config{API: config.APIConfig{StatsCacheTTLSeconds: 30}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewBacktestService(cfg, repo, canceller, log)
}

func validSubmitRequest() *SubmitRequest {
	return &SubmitRequest{
		StrategyID: uuid.New(),
		Config: models.BacktestConfig{
			Exchange:       "binance",
			Pairs:          []string{"BTC/USDT"},
			Timeframe:      "5m",
			TimerangeStart: "20240101",
			TimerangeEnd:   "20240301",
			DryRunWallet:   1000,
			MaxOpenTrades:  3,
			StakeAmount:    "100",
		},
		Priority: 2,
	}
}

func TestSubmitEnqueuesPendingJob(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, nil)

	req := validSubmitRequest()
	job, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, req.StrategyID, job.StrategyID)
	assert.Equal(t, 2, job.Priority)
	assert.Zero(t, job.RetryCount)
	require.Len(t, repo.enqueued, 1)
	assert.Equal(t, job.ID, repo.enqueued[0].ID)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing strategy id", func(r *SubmitRequest) { r.StrategyID = uuid.Nil }},
		{"negative priority", func(r *SubmitRequest) { r.Priority = -1 }},
		{"empty pair list", func(r *SubmitRequest) { r.Config.Pairs = nil }},
		{"malformed pair", func(r *SubmitRequest) { r.Config.Pairs = []string{"btc-usdt"} }},
		{"bad timeframe", func(r *SubmitRequest) { r.Config.Timeframe = "5minutes" }},
		{"zero wallet", func(r *SubmitRequest) { r.Config.DryRunWallet = 0 }},
		{"zero max open trades", func(r *SubmitRequest) { r.Config.MaxOpenTrades = 0 }},
		{"negative stake", func(r *SubmitRequest) { r.Config.StakeAmount = "-5" }},
		{"inverted timerange", func(r *SubmitRequest) {
			r.Config.TimerangeStart = "20240301"
			r.Config.TimerangeEnd = "20240101"
		}},
		{"equal timerange bounds", func(r *SubmitRequest) {
			r.Config.TimerangeStart = "20240101"
			r.Config.TimerangeEnd = "20240101"
		}},
		{"impossible calendar date", func(r *SubmitRequest) { r.Config.TimerangeStart = "20241399" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newStubRepo()
			svc := newTestService(t, repo, nil)

			req := validSubmitRequest()
			tt.mutate(req)

			_, err := svc.Submit(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Empty(t, repo.enqueued, "rejected submissions must not touch the store")
		})
	}
}

func TestSubmitBatchPreservesOrderWithPartialFailure(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, nil)

	good1 := validSubmitRequest()
	bad := validSubmitRequest()
	bad.Config.Pairs = nil
	good2 := validSubmitRequest()

	results, err := svc.SubmitBatch(context.Background(), []*SubmitRequest{good1, bad, good2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 0, results[0].Index)
	require.NotNil(t, results[0].JobID)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, 1, results[1].Index)
	assert.Nil(t, results[1].JobID)
	assert.NotEmpty(t, results[1].Error)

	assert.Equal(t, 2, results[2].Index)
	require.NotNil(t, results[2].JobID)

	// Enqueue order matches submission order.
	require.Len(t, repo.enqueued, 2)
	assert.Equal(t, *results[0].JobID, repo.enqueued[0].ID)
	assert.Equal(t, *results[2].JobID, repo.enqueued[1].ID)
}

func TestSubmitBatchBounds(t *testing.T) {
	svc := newTestService(t, newStubRepo(), nil)

	_, err := svc.SubmitBatch(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	oversized := make([]*SubmitRequest, maxBatchSize+1)
	for i := range oversized {
		oversized[i] = validSubmitRequest()
	}
	_, err = svc.SubmitBatch(context.Background(), oversized)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestQueryRejectsUnknownSortColumn(t *testing.T) {
	svc := newTestService(t, newStubRepo(), nil)

	_, _, err := svc.Query(context.Background(), &models.BacktestResultQuery{OrderBy: "volume"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGetResultNotYetAvailable(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, nil)

	job, err := svc.Submit(context.Background(), validSubmitRequest())
	require.NoError(t, err)

	_, err = svc.GetResult(context.Background(), job.ID)
	assert.ErrorIs(t, err, models.ErrNotYetAvailable)

	_, err = svc.GetResult(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCancelDelegatesToScheduler(t *testing.T) {
	canceller := &stubCanceller{}
	svc := newTestService(t, newStubRepo(), canceller)

	id := uuid.New()
	require.NoError(t, svc.Cancel(context.Background(), id))
	assert.Equal(t, []uuid.UUID{id}, canceller.cancelled)
}

func TestCancelWithoutSchedulerFails(t *testing.T) {
	svc := newTestService(t, newStubRepo(), nil)
	assert.Error(t, svc.Cancel(context.Background(), uuid.New()))
}

func TestStatsAreCached(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(t, repo, nil)

	ctx := context.Background()
	first, err := svc.Stats(ctx)
	require.NoError(t, err)
	second, err := svc.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.statsCalls, "second read must come from the cache")
}

func TestStatsCacheDisabled(t *testing.T) {
	repo := newStubRepo()
	cfg := &config.Config{API: config.APIConfig{StatsCacheTTLSeconds: 0}}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewBacktestService(cfg, repo, nil, log)

	ctx := context.Background()
	_, err := svc.Stats(ctx)
	require.NoError(t, err)
	_, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.statsCalls)
}
